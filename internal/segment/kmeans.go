package segment

import (
	"fmt"
	"math"
	"math/rand"
)

// kmeans clusters rows into k centroids with seeded kmeans++
// initialization. Iteration order and tie handling are deterministic so
// a rule version can be reproduced bit-for-bit from the same inputs.
func kmeans(rows [][]float64, k int, seed int64, maxIter int) ([][]float64, error) {
	if len(rows) < k {
		return nil, fmt.Errorf("kmeans: %d rows cannot form %d clusters", len(rows), k)
	}
	if maxIter <= 0 {
		maxIter = 100
	}

	rng := rand.New(rand.NewSource(seed))
	centroids := seedCentroids(rows, k, rng)
	assign := make([]int, len(rows))

	for iter := 0; iter < maxIter; iter++ {
		changed := false
		for i, row := range rows {
			c, _ := nearest(centroids, row)
			if assign[i] != c {
				assign[i] = c
				changed = true
			}
		}

		counts := make([]int, k)
		next := make([][]float64, k)
		for c := range next {
			next[c] = make([]float64, len(rows[0]))
		}
		for i, row := range rows {
			counts[assign[i]]++
			for j, v := range row {
				next[assign[i]][j] += v
			}
		}
		for c := range next {
			if counts[c] == 0 {
				// Reseed an emptied cluster on the point farthest from
				// its centroid, keeping k stable.
				far := farthestRow(rows, centroids, assign)
				copy(next[c], rows[far])
				assign[far] = c
				continue
			}
			for j := range next[c] {
				next[c][j] /= float64(counts[c])
			}
		}
		centroids = next

		if !changed && iter > 0 {
			break
		}
	}
	return centroids, nil
}

// seedCentroids runs kmeans++-style seeding: first centroid drawn
// uniformly, the rest proportional to squared distance from the
// nearest chosen centroid.
func seedCentroids(rows [][]float64, k int, rng *rand.Rand) [][]float64 {
	centroids := make([][]float64, 0, k)
	first := rng.Intn(len(rows))
	centroids = append(centroids, append([]float64{}, rows[first]...))

	d2 := make([]float64, len(rows))
	for len(centroids) < k {
		total := 0.0
		for i, row := range rows {
			_, d := nearest(centroids, row)
			d2[i] = d * d
			total += d2[i]
		}
		pick := 0
		if total > 0 {
			r := rng.Float64() * total
			acc := 0.0
			for i := range rows {
				acc += d2[i]
				if acc >= r {
					pick = i
					break
				}
			}
		} else {
			pick = rng.Intn(len(rows))
		}
		centroids = append(centroids, append([]float64{}, rows[pick]...))
	}
	return centroids
}

// nearest returns the index of the closest centroid and the distance.
// Equidistant centroids resolve to the lower index: the scan keeps the
// first strict minimum.
func nearest(centroids [][]float64, row []float64) (int, float64) {
	bestIdx, best := 0, math.Inf(1)
	for c, cent := range centroids {
		d := euclidean(cent, row)
		if d < best {
			best, bestIdx = d, c
		}
	}
	return bestIdx, best
}

func farthestRow(rows [][]float64, centroids [][]float64, assign []int) int {
	worstIdx, worst := 0, -1.0
	for i, row := range rows {
		d := euclidean(centroids[assign[i]], row)
		if d > worst {
			worst, worstIdx = d, i
		}
	}
	return worstIdx
}

func euclidean(a, b []float64) float64 {
	sum := 0.0
	for i := range a {
		diff := a[i] - b[i]
		sum += diff * diff
	}
	return math.Sqrt(sum)
}
