// Command bench_allreduce times each reduction algorithm
// over in-process meshes of various sizes and payload
// shapes, and prints the results as a Markdown table.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/schollz/progressbar/v3"
	"github.com/unixpickle/essentials"
	"k8s.io/klog/v2"

	"github.com/tandem-ml/tandem/allreduce"
	"github.com/tandem-ml/tandem/matrix"
	"github.com/tandem-ml/tandem/transport"
)

// RunInfo describes a specific mesh configuration.
type RunInfo struct {
	NumRanks int
	Codec    func() allreduce.Codec
	Name     string
}

// Run drops each rank into its own Goroutine and reduces
// one matrix per rank, returning the wall time.
func (r *RunInfo) Run(algo allreduce.Algorithm, rows, cols int) (time.Duration, error) {
	rng := rand.New(rand.NewSource(1))
	inputs := make([]*matrix.Matrix, r.NumRanks)
	for i := range inputs {
		inputs[i] = matrix.New(rows, cols)
		data := inputs[i].Data()
		for j := range data {
			data[j] = rng.Float64()
		}
	}

	mesh := transport.NewMesh(r.NumRanks)
	errs := make([]error, r.NumRanks)
	start := time.Now()
	var wg sync.WaitGroup
	for i := 0; i < r.NumRanks; i++ {
		rank := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			codec := r.Codec()
			errs[rank] = allreduce.SumWith(algo, allreduce.NewMeshPeer(mesh.Endpoint(rank)),
				inputs[rank], codec.MaxEncodedBytes(rows, cols), codec)
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)
	for _, err := range errs {
		if err != nil {
			return 0, err
		}
	}
	return elapsed, nil
}

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	algos := []allreduce.Algorithm{
		allreduce.RecursiveDoubling,
		allreduce.PairwiseExchangeRing,
		allreduce.Ring,
	}
	runs := []RunInfo{
		{NumRanks: 2, Codec: func() allreduce.Codec { return allreduce.NewPlainCodec() }, Name: "plain"},
		{NumRanks: 8, Codec: func() allreduce.Codec { return allreduce.NewPlainCodec() }, Name: "plain"},
		{NumRanks: 8, Codec: func() allreduce.Codec { return allreduce.NewFloat16Codec() }, Name: "float16"},
		{NumRanks: 6, Codec: func() allreduce.Codec { return allreduce.NewPlainCodec() }, Name: "plain"},
		{NumRanks: 16, Codec: func() allreduce.Codec { return allreduce.NewPlainCodec() }, Name: "plain"},
		{NumRanks: 32, Codec: func() allreduce.Codec { return allreduce.NewPlainCodec() }, Name: "plain"},
	}
	shapes := [][2]int{{16, 16}, {64, 64}, {256, 1024}, {1024, 4096}}

	bar := progressbar.Default(int64(len(runs)*len(shapes)*len(algos)), "reducing")

	// Markdown table header.
	fmt.Print("| Ranks | Codec | Payload ")
	for _, algo := range algos {
		fmt.Printf("| %s ", algo)
	}
	fmt.Println("|")
	for i := 0; i < 3+len(algos); i++ {
		fmt.Print("|:--")
	}
	fmt.Println("|")

	// Markdown table body.
	for _, runInfo := range runs {
		for _, shape := range shapes {
			rows, cols := shape[0], shape[1]
			payload := uint64(runInfo.Codec().MaxEncodedBytes(rows, cols))
			fmt.Printf("| %d | %s | %s ", runInfo.NumRanks, runInfo.Name, humanize.IBytes(payload))
			for _, algo := range algos {
				elapsed, err := runInfo.Run(algo, rows, cols)
				essentials.Must(bar.Add(1))
				if err != nil {
					fmt.Print("| - ")
					continue
				}
				fmt.Printf("| %s ", elapsed.Round(time.Microsecond))
			}
			fmt.Println("|")
		}
	}
	essentials.Must(bar.Finish())
}
