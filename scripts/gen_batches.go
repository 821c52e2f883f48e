//go:build ignore

package main

import (
	"flag"
	"log"
	"math/rand"
	"os"

	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"gonum.org/v1/gonum/mat"

	"github.com/23skdu/longbow-windage/internal/arrowio"
)

// Generates synthetic log-probability batches for feeding windage -input.
// Each sequence gets a random response length; the rollout evaluator is the
// training evaluator plus Gaussian noise, with occasional large negative
// spikes to exercise the catastrophic veto path.
func main() {
	out := flag.String("out", "batches.arrow", "Output Arrow IPC stream")
	batches := flag.Int("batches", 4, "Number of record batches")
	rows := flag.Int("rows", 64, "Sequences per batch")
	cols := flag.Int("cols", 256, "Max response length")
	noise := flag.Float64("noise", 0.05, "Stddev of evaluator mismatch noise")
	spikeProb := flag.Float64("spike-prob", 0.0005, "Probability of a catastrophic token")
	seed := flag.Int64("seed", 42, "RNG seed")
	flag.Parse()

	rng := rand.New(rand.NewSource(*seed))

	f, err := os.Create(*out)
	if err != nil {
		log.Fatalf("Failed to create output file: %v", err)
	}
	defer f.Close()

	pool := memory.NewGoAllocator()
	var writer *ipc.Writer

	for b := 0; b < *batches; b++ {
		train := mat.NewDense(*rows, *cols, nil)
		rollout := mat.NewDense(*rows, *cols, nil)
		mask := mat.NewDense(*rows, *cols, nil)

		for i := 0; i < *rows; i++ {
			// At least one valid token per row
			length := 1 + rng.Intn(*cols)
			for j := 0; j < length; j++ {
				lp := -rng.ExpFloat64() // log prob of a sampled token
				train.Set(i, j, lp)
				r := lp + rng.NormFloat64()*(*noise)
				if rng.Float64() < *spikeProb {
					r = lp + 25 // rollout wildly overconfident: ratio ~ e^-25
				}
				rollout.Set(i, j, r)
				mask.Set(i, j, 1)
			}
		}

		rec, err := arrowio.RecordFromMatrices(pool,
			[]string{"old_log_prob", "rollout_log_prob", "response_mask"},
			[]*mat.Dense{train, rollout, mask})
		if err != nil {
			log.Fatalf("Failed to build batch %d: %v", b, err)
		}
		if writer == nil {
			writer = ipc.NewWriter(f, ipc.WithSchema(rec.Schema()))
		}
		if err := writer.Write(rec); err != nil {
			log.Fatalf("Failed to write batch %d: %v", b, err)
		}
		rec.Release()
	}

	if err := writer.Close(); err != nil {
		log.Fatalf("Failed to close writer: %v", err)
	}
	log.Printf("Wrote %d batches of %dx%d to %s", *batches, *rows, *cols, *out)
}
