package main

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"runtime"
	"runtime/pprof"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/paulmach/orb"
	"github.com/spf13/cobra"

	"web/aqmap/cluster"
	"web/aqmap/feature"
	"web/aqmap/summary"
)

var (
	cpuprofile  string
	memprofile  string
	heapprofile string
	numPoints   int
	zoomLevel   int
	radius      float64
	testall     bool
)

// East Africa, where most sensor sites are.
var region = orb.Bound{Min: orb.Point{28.0, -5.0}, Max: orb.Point{42.0, 5.0}}

var rootCmd = &cobra.Command{
	Use:   "profiler",
	Short: "Profile index builds and viewport queries",
	RunE:  run,
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&cpuprofile, "cpuprofile", "", "write cpu profile to file")
	f.StringVar(&memprofile, "memprofile", "", "write memory profile to file")
	f.StringVar(&heapprofile, "heapprofile", "", "write heap profile to file")
	f.IntVar(&numPoints, "points", 100000, "number of readings to generate")
	f.IntVar(&zoomLevel, "zoom", 8, "zoom level to query")
	f.Float64Var(&radius, "radius", 40, "clustering radius in pixels")
	f.BoolVar(&testall, "testall", false, "test all configurations")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newIndex(r float64) *cluster.Supercluster {
	opts := cluster.DefaultOptions()
	opts.Radius = r
	return cluster.NewSupercluster(opts)
}

type result struct {
	build    time.Duration
	query    time.Duration
	geojson  time.Duration
	results  int
	bytes    int
	allocMB  float64
	gcRuns   uint32
	clusters int
}

func profile(features []feature.PointFeature, zoom int, r float64) (result, error) {
	var res result
	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)

	sc := newIndex(r)
	start := time.Now()
	sc.Load(features)
	res.build = time.Since(start)

	bounds := region
	start = time.Now()
	results := sc.GetClusters(bounds, zoom)
	res.query = time.Since(start)
	res.results = len(results)

	stats, err := summary.Viewport(results, sc)
	if err != nil {
		return res, err
	}
	res.clusters = stats.NumClusters

	start = time.Now()
	data, err := json.Marshal(sc.ToGeoJSON(bounds, zoom))
	if err != nil {
		return res, err
	}
	res.geojson = time.Since(start)
	res.bytes = len(data)

	runtime.ReadMemStats(&after)
	res.allocMB = float64(after.TotalAlloc-before.TotalAlloc) / 1024 / 1024
	res.gcRuns = after.NumGC - before.NumGC
	return res, nil
}

func runSingleProfile(points, zoom int) error {
	fmt.Printf("Profiling with %d readings at zoom level %d (radius %.0f)\n", points, zoom, radius)
	features := cluster.GenerateTestFeatures(points, region, 42)

	res, err := profile(features, zoom, radius)
	if err != nil {
		return err
	}
	fmt.Printf("Index built in %v\n", res.build)
	fmt.Printf("Query returned %d results (%d clusters) in %v\n", res.results, res.clusters, res.query)
	fmt.Printf("GeoJSON encoded in %v (%s)\n", res.geojson, humanize.Bytes(uint64(res.bytes)))
	fmt.Printf("Memory allocated: %.2f MB\n", res.allocMB)
	return nil
}

func runProfileBattery() error {
	pointCounts := []int{1000, 10000, 50000, 100000}
	zoomLevels := []int{2, 5, 8, 12, 15}

	fmt.Println("Running comprehensive profile battery...")
	fmt.Println("=======================================")

	fmt.Printf("%-10s | %-6s | %-12s | %-12s | %-8s | %-11s | %-7s\n",
		"Points", "Zoom", "Build", "Query", "Results", "Memory (MB)", "GC Runs")
	fmt.Printf("%s\n", "-------------------------------------------------------------------------------")

	for _, points := range pointCounts {
		features := cluster.GenerateTestFeatures(points, region, 42)
		for _, zoom := range zoomLevels {
			res, err := profile(features, zoom, radius)
			if err != nil {
				return err
			}
			fmt.Printf("%-10d | %-6d | %-12s | %-12s | %-8d | %-11.2f | %-7d\n",
				points, zoom, res.build.Round(time.Microsecond), res.query.Round(time.Microsecond),
				res.results, res.allocMB, res.gcRuns)
		}
		fmt.Printf("%s\n", "-------------------------------------------------------------------------------")
	}

	// radius per marker style at a fixed size
	features := cluster.GenerateTestFeatures(50000, region, 7)
	for _, r := range []float64{40, 60, 80} {
		res, err := profile(features, 8, r)
		if err != nil {
			return err
		}
		fmt.Printf("radius %-4.0f | results %-6d | clusters %-6d | ratio %.3f\n",
			r, res.results, res.clusters, float64(res.clusters)/math.Max(1, float64(res.results)))
	}
	return nil
}

func run(cmd *cobra.Command, _ []string) error {
	if cpuprofile != "" {
		f, err := os.Create(cpuprofile)
		if err != nil {
			return fmt.Errorf("could not create CPU profile: %w", err)
		}
		defer f.Close()

		fmt.Println("Starting CPU profiling...")
		if err := pprof.StartCPUProfile(f); err != nil {
			return fmt.Errorf("could not start CPU profile: %w", err)
		}
		defer pprof.StopCPUProfile()
	}

	var err error
	if testall {
		err = runProfileBattery()
	} else {
		err = runSingleProfile(numPoints, zoomLevel)
	}
	if err != nil {
		return err
	}

	if memprofile != "" {
		f, err := os.Create(memprofile)
		if err != nil {
			return fmt.Errorf("could not create memory profile: %w", err)
		}
		defer f.Close()
		runtime.GC() // get up-to-date statistics
		if err := pprof.WriteHeapProfile(f); err != nil {
			return fmt.Errorf("could not write memory profile: %w", err)
		}
	}

	if heapprofile != "" {
		f, err := os.Create(heapprofile)
		if err != nil {
			return fmt.Errorf("could not create heap profile: %w", err)
		}
		defer f.Close()

		memProfile := pprof.Lookup("heap")
		if memProfile == nil {
			return fmt.Errorf("could not find heap profile")
		}
		if err := memProfile.WriteTo(f, 0); err != nil {
			return fmt.Errorf("could not write heap profile: %w", err)
		}
	}
	return nil
}
