//go:build ignore

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"os"

	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-windage/internal/arrowio"
)

// Reads a windage output stream and summarizes the importance sampling
// weights per batch: distribution shape, mass lost to truncation, and how
// much of the batch the final mask kept.
func main() {
	in := flag.String("in", "corrected.arrow", "Windage output Arrow IPC stream")
	flag.Parse()

	f, err := os.Open(*in)
	if err != nil {
		log.Fatalf("Failed to open input: %v", err)
	}
	defer f.Close()

	reader, err := ipc.NewReader(f, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		log.Fatalf("Failed to read Arrow stream: %v", err)
	}
	defer reader.Release()

	var all []BatchStats
	for reader.Next() {
		rec := reader.Record()
		mask, err := arrowio.MatrixFromRecord(rec, "response_mask")
		if err != nil {
			log.Fatalf("Batch %d: %v", len(all), err)
		}
		weights, err := arrowio.MatrixFromRecord(rec, "rollout_is_weights")
		if err != nil {
			log.Fatalf("Batch %d: %v", len(all), err)
		}

		rows, cols := weights.Dims()
		stats := BatchStats{
			Batch: len(all),
			Min:   math.Inf(1),
			Max:   math.Inf(-1),
		}
		sum := 0.0
		for i := 0; i < rows; i++ {
			for j := 0; j < cols; j++ {
				if mask.At(i, j) == 0 {
					continue
				}
				w := weights.At(i, j)
				stats.KeptTokens++
				sum += w
				if w < stats.Min {
					stats.Min = w
				}
				if w > stats.Max {
					stats.Max = w
				}
				if w == 0 {
					stats.ZeroWeights++
				}
			}
		}
		stats.TotalTokens = rows * cols
		if stats.KeptTokens > 0 {
			stats.Mean = sum / float64(stats.KeptTokens)
		}
		stats.KeptRatio = float64(stats.KeptTokens) / float64(stats.TotalTokens)
		all = append(all, stats)
	}
	if reader.Err() != nil {
		log.Fatalf("Stream error: %v", reader.Err())
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(all); err != nil {
		log.Fatalf("Failed to encode output: %v", err)
	}
	fmt.Fprintf(os.Stderr, "%d batches analyzed\n", len(all))
}

type BatchStats struct {
	Batch       int     `json:"batch"`
	TotalTokens int     `json:"total_tokens"`
	KeptTokens  int     `json:"kept_tokens"`
	KeptRatio   float64 `json:"kept_ratio"`
	ZeroWeights int     `json:"zero_weights"`
	Mean        float64 `json:"mean"`
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
}
