package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Themis128/matlab-nuxt-app-sub007/internal/cfg"
	"github.com/Themis128/matlab-nuxt-app-sub007/internal/distill"
	"github.com/Themis128/matlab-nuxt-app-sub007/internal/drift"
	"github.com/Themis128/matlab-nuxt-app-sub007/internal/ensemble"
	"github.com/Themis128/matlab-nuxt-app-sub007/internal/features"
	"github.com/Themis128/matlab-nuxt-app-sub007/internal/model"
	"github.com/Themis128/matlab-nuxt-app-sub007/internal/registry"
	"github.com/Themis128/matlab-nuxt-app-sub007/internal/trainer"
)

func main() {
	var (
		target     = flag.String("target", "all", "Target to train: price, ram, battery, brand or all")
		dataset    = flag.String("dataset", "", "Dataset CSV path (overrides DATASET_PATH)")
		runDistill = flag.Bool("distill", false, "Distill each trained global ensemble into a compact student")
		logLevel   = flag.String("log-level", "info", "Log level: debug, info, warn, error")
	)
	flag.Parse()
	setupLogging(*logLevel)

	_ = godotenv.Load()

	c, err := cfg.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load failed")
	}
	path := c.DatasetPath
	if *dataset != "" {
		path = *dataset
	}
	if path == "" {
		log.Fatal().Msg("no dataset: set DATASET_PATH or pass -dataset")
	}

	ds, err := features.LoadCSV(path)
	if err != nil {
		log.Fatal().Err(err).Str("path", path).Msg("dataset load failed")
	}
	log.Info().Int("rows", ds.Len()).Str("fingerprint", ds.Fingerprint[:12]).Msg("dataset loaded")

	reg, err := registry.Open(c.DataPath)
	if err != nil {
		log.Fatal().Err(err).Msg("registry open failed")
	}
	defer reg.Close()

	tr := trainer.New(c.Trainer, reg)
	ctx := context.Background()

	var reports []*trainer.Report
	if *target == "all" {
		reports, err = tr.TrainAll(ctx, ds)
	} else {
		var rep *trainer.Report
		rep, err = tr.TrainTarget(ctx, ds, *target)
		reports = []*trainer.Report{rep}
	}
	if err != nil {
		log.Fatal().Err(err).Msg("training failed")
	}

	driftCfg := c.Drift
	if driftCfg.SavePath == "" {
		driftCfg.SavePath = filepath.Join(c.DataPath, "baselines")
	}

	for _, rep := range reports {
		if rep == nil {
			continue
		}
		if err := snapshotBaseline(reg, ds, rep.Target, driftCfg); err != nil {
			log.Warn().Str("target", rep.Target).Err(err).Msg("baseline snapshot failed")
		}
		if *runDistill {
			if err := distillTarget(reg, ds, rep.Target, c.Distill); err != nil {
				log.Warn().Str("target", rep.Target).Err(err).Msg("distillation failed")
			}
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(reports); err != nil {
		log.Fatal().Err(err).Msg("report encode failed")
	}
}

// snapshotBaseline writes the target's drift baseline: the training
// feature distributions plus the freshly published global ensemble's
// output distribution.
func snapshotBaseline(reg *registry.Registry, ds *features.Dataset, target string, driftCfg drift.Config) error {
	view, err := ds.ForTarget(target)
	if err != nil {
		return err
	}
	combiner, err := loadGlobal(reg, target)
	if err != nil {
		return err
	}

	preds := make([][]float64, len(view.Vectors))
	for i, v := range view.Vectors {
		p, err := combiner.Predict(v.Encode())
		if err != nil {
			return fmt.Errorf("baseline predict row %d: %w", i, err)
		}
		preds[i] = p.Output
	}

	b, err := drift.NewBaseline(view, preds, driftCfg.Bins)
	if err != nil {
		return err
	}
	mon := drift.NewMonitor(driftCfg, target)
	mon.SetBaseline(b, view.Classes)
	return mon.Save()
}

// distillTarget compresses the global ensemble into a student and
// publishes it when the epsilon gate accepts.
func distillTarget(reg *registry.Registry, ds *features.Dataset, target string, dcfg distill.Config) error {
	view, err := ds.ForTarget(target)
	if err != nil {
		return err
	}
	combiner, err := loadGlobal(reg, target)
	if err != nil {
		return err
	}

	X := view.Matrix()
	teacherOut := make([][]float64, len(X))
	for i, x := range X {
		p, err := combiner.Predict(x)
		if err != nil {
			return fmt.Errorf("teacher predict row %d: %w", i, err)
		}
		teacherOut[i] = p.Output
	}

	var res *distill.Result
	if target == features.TargetBrand {
		labels := make([]int, len(view.Labels))
		for i, l := range view.Labels {
			labels[i] = view.ClassIndex(l)
		}
		res, err = distill.Classify(dcfg, X, labels, teacherOut, len(view.Classes))
	} else {
		teacherPreds := make([]float64, len(teacherOut))
		for i, p := range teacherOut {
			teacherPreds[i] = p[0]
		}
		res, err = distill.Regress(dcfg, X, view.Y, teacherPreds)
	}
	if err != nil {
		return err
	}
	if !res.Accepted {
		return fmt.Errorf("student rejected: degradation %.4f over epsilon", res.Degradation)
	}

	env, err := model.Encode(res.Student)
	if err != nil {
		return err
	}
	payload := struct {
		distill.Result
		Model model.Envelope `json:"model"`
	}{Result: *res, Model: env}

	key := registry.Key{Target: target + ".student", SegmentID: model.GlobalScope}
	if err := reg.Lock(key); err != nil {
		return err
	}
	defer reg.Unlock(key)
	_, err = reg.Publish(key, "distilled", ds.Fingerprint, "", payload)
	return err
}

func loadGlobal(reg *registry.Registry, target string) (*ensemble.Combiner, error) {
	art, err := reg.GetCurrent(registry.Key{Target: target, SegmentID: model.GlobalScope})
	if err != nil {
		return nil, err
	}
	var spec ensemble.Spec
	if err := json.Unmarshal(art.Payload, &spec); err != nil {
		return nil, fmt.Errorf("decode spec: %w", err)
	}
	return ensemble.Load(&spec)
}

func setupLogging(logLevel string) {
	level, err := zerolog.ParseLevel(logLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
}
