//go:build ignore

// generate_sample_data writes a synthetic device table for local
// development: plausible spec columns plus a price driven by them, so
// the training pipeline has structure to find.
//
//	go run scripts/generate_sample_data.go -rows 2000 -out data/devices.csv
package main

import (
	"encoding/csv"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"os"
	"strconv"
)

var companies = []string{
	"Apple", "Samsung", "Xiaomi", "Huawei", "Oppo", "Vivo",
	"OnePlus", "Google", "Motorola", "Nokia", "Sony", "Realme",
}

var processors = []string{"dual-core", "quad-core", "hexa-core", "octa-core"}

// brandPremium shifts a company's price level relative to the spec-only
// baseline, so brand carries signal beyond the numeric columns.
var brandPremium = map[string]float64{
	"Apple":   350,
	"Samsung": 180,
	"Google":  150,
	"Sony":    120,
	"OnePlus": 80,
	"Xiaomi":  -60,
	"Realme":  -90,
}

func main() {
	var (
		rows = flag.Int("rows", 2000, "Number of devices to generate")
		out  = flag.String("out", "data/devices.csv", "Output CSV path")
		seed = flag.Int64("seed", 42, "Random seed")
	)
	flag.Parse()

	fmt.Printf("Generating %d devices...\n", *rows)

	f, err := os.Create(*out)
	if err != nil {
		log.Fatalf("create %s: %v", *out, err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	header := []string{"price", "ram", "battery", "screen", "weight", "year", "storage", "company", "camera_mp", "processor"}
	if err := w.Write(header); err != nil {
		log.Fatalf("write header: %v", err)
	}

	rng := rand.New(rand.NewSource(*seed))
	for i := 0; i < *rows; i++ {
		if err := w.Write(device(rng)); err != nil {
			log.Fatalf("write row %d: %v", i, err)
		}
	}

	fmt.Printf("Wrote %s\n", *out)
}

func device(rng *rand.Rand) []string {
	company := companies[rng.Intn(len(companies))]
	ram := float64(2 << rng.Intn(4))                 // 4..32 GB
	battery := 2500 + float64(rng.Intn(13))*250      // 2500..5500 mAh
	screen := 5.0 + rng.Float64()*2.3                // 5.0..7.3 in
	weight := 140 + screen*12 + rng.NormFloat64()*15 // tracks screen size
	year := 2018 + rng.Intn(8)
	storage := float64(32 << rng.Intn(5)) // 32..512 GB
	cameraMP := []float64{12, 48, 50, 64, 108}[rng.Intn(5)]
	processor := processors[rng.Intn(len(processors))]

	price := 60 +
		28*ram +
		0.04*battery +
		55*(screen-5) +
		0.4*storage +
		18*float64(year-2018) +
		brandPremium[company] +
		rng.NormFloat64()*40
	if price < 50 {
		price = 50 + rng.Float64()*30
	}

	row := []string{
		strconv.FormatFloat(price, 'f', 2, 64),
		strconv.FormatFloat(ram, 'f', 0, 64),
		strconv.FormatFloat(battery, 'f', 0, 64),
		strconv.FormatFloat(screen, 'f', 2, 64),
		strconv.FormatFloat(weight, 'f', 1, 64),
		strconv.Itoa(year),
		strconv.FormatFloat(storage, 'f', 0, 64),
		company,
		strconv.FormatFloat(cameraMP, 'f', 0, 64),
		processor,
	}

	// A sprinkle of missing optionals keeps the imputation path honest.
	if rng.Float64() < 0.05 {
		row[8] = ""
	}
	if rng.Float64() < 0.05 {
		row[9] = ""
	}
	return row
}
