// predictctl is the operator CLI for a running prediction server:
// ad-hoc predictions and explanations, serving layout inspection,
// registry rollback and drift operations.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Themis128/matlab-nuxt-app-sub007/internal/api"
	"github.com/Themis128/matlab-nuxt-app-sub007/internal/explain"
	"github.com/Themis128/matlab-nuxt-app-sub007/internal/serve"
)

const usage = `usage: predictctl [-server URL] <command> [flags]

commands:
  health                         server health
  predict  -target T -features JSON
  explain  -target T [-id PREDICTION] [-features JSON] -method M [-field F] [-goal JSON] [-iterations N]
  info     -target T             serving layout of a target
  rollback -target T [-segment N]
  drift    -target T             drift gate state and latest report
  rebase   -target T             promote the live window to a new baseline
`

func main() {
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	_ = godotenv.Load()

	server := flag.String("server", envOr("PREDICT_SERVER", "http://localhost:8090"), "Prediction server base URL")
	timeout := flag.Duration("timeout", 10*time.Second, "Request timeout")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}
	client := api.New(*server, *timeout)

	cmd, args := flag.Arg(0), flag.Args()[1:]
	var err error
	switch cmd {
	case "health":
		err = runHealth(client)
	case "predict":
		err = runPredict(client, args)
	case "explain":
		err = runExplain(client, args)
	case "info":
		err = runInfo(client, args)
	case "rollback":
		err = runRollback(client, args)
	case "drift":
		err = runDrift(client, args)
	case "rebase":
		err = runRebase(client, args)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "predictctl: %v\n", err)
		os.Exit(1)
	}
}

func runHealth(client *api.Client) error {
	ok, err := client.Health()
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("degraded")
		os.Exit(1)
	}
	fmt.Println("ok")
	return nil
}

func runPredict(client *api.Client, args []string) error {
	fs := flag.NewFlagSet("predict", flag.ExitOnError)
	target := fs.String("target", "", "Target to estimate")
	featJSON := fs.String("features", "", "Feature map as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	features, err := parseFeatures(*featJSON)
	if err != nil {
		return err
	}
	resp, err := client.Predict(serve.PredictRequest{Target: *target, Features: features})
	if err != nil {
		return err
	}
	return printJSON(resp)
}

func runExplain(client *api.Client, args []string) error {
	fs := flag.NewFlagSet("explain", flag.ExitOnError)
	target := fs.String("target", "", "Target to explain")
	predID := fs.String("id", "", "Logged prediction id to explain")
	featJSON := fs.String("features", "", "Feature map as JSON")
	method := fs.String("method", "shapley", "Method: shapley, pdp, levels, counterfactual")
	field := fs.String("field", "", "Field for pdp/levels")
	goalJSON := fs.String("goal", "", "Counterfactual goal as JSON, e.g. {\"min\":100,\"max\":200}")
	iterations := fs.Int("iterations", 0, "Counterfactual iteration budget")
	outClass := fs.String("class", "", "Explained class for brand")
	if err := fs.Parse(args); err != nil {
		return err
	}

	req := serve.ExplainRequest{
		Target:        *target,
		PredictionID:  *predID,
		Method:        *method,
		Field:         *field,
		OutClass:      *outClass,
		MaxIterations: *iterations,
	}
	if *predID == "" {
		features, err := parseFeatures(*featJSON)
		if err != nil {
			return err
		}
		req.Features = features
	}
	if *goalJSON != "" {
		var goal explain.Goal
		if err := json.Unmarshal([]byte(*goalJSON), &goal); err != nil {
			return fmt.Errorf("bad goal: %w", err)
		}
		req.Goal = &goal
	}

	resp, err := client.Explain(req)
	if err != nil {
		return err
	}
	return printJSON(resp)
}

func runInfo(client *api.Client, args []string) error {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	target := fs.String("target", "", "Target to inspect")
	if err := fs.Parse(args); err != nil {
		return err
	}
	info, err := client.ModelInfo(*target)
	if err != nil {
		return err
	}
	return printJSON(info)
}

func runRollback(client *api.Client, args []string) error {
	fs := flag.NewFlagSet("rollback", flag.ExitOnError)
	target := fs.String("target", "", "Target to roll back")
	segment := fs.Int("segment", -1, "Segment id, -1 for the global ensemble")
	if err := fs.Parse(args); err != nil {
		return err
	}
	version, err := client.Rollback(*target, *segment)
	if err != nil {
		return err
	}
	fmt.Printf("%s segment %d rolled back to version %d\n", *target, *segment, version)
	return nil
}

func runDrift(client *api.Client, args []string) error {
	fs := flag.NewFlagSet("drift", flag.ExitOnError)
	target := fs.String("target", "", "Target to inspect")
	if err := fs.Parse(args); err != nil {
		return err
	}
	st, err := client.DriftStatus(*target)
	if err != nil {
		return err
	}
	return printJSON(st)
}

func runRebase(client *api.Client, args []string) error {
	fs := flag.NewFlagSet("rebase", flag.ExitOnError)
	target := fs.String("target", "", "Target to rebase")
	if err := fs.Parse(args); err != nil {
		return err
	}
	version, err := client.Rebase(*target)
	if err != nil {
		return err
	}
	fmt.Printf("%s rebased to baseline version %d\n", *target, version)
	return nil
}

func parseFeatures(s string) (map[string]interface{}, error) {
	if s == "" {
		return nil, fmt.Errorf("missing -features")
	}
	var m map[string]interface{}
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil, fmt.Errorf("bad features: %w", err)
	}
	return m, nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
