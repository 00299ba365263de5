// Package main renders a captured device topology as scatter charts, one per
// device, coloured by the computed LED ordering. Feed it the output of
// `cuebridge -dump-topology` to check visually that serpentine rows, fan
// rings and AIO clusters come out in the intended walk order.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/lumastream/cuebridge/internal/config"
	"github.com/lumastream/cuebridge/internal/routing"
	"github.com/lumastream/cuebridge/internal/topology"
)

var (
	topoPath   = flag.String("topology", "-", "Topology JSON dump, or - for stdin")
	configPath = flag.String("config", "", "Bridge config to compute orderings with (optional)")
	outPath    = flag.String("out", "topology.html", "Output HTML file")
)

func main() {
	flag.Parse()

	snap, err := loadSnapshot(*topoPath)
	if err != nil {
		log.Fatalf("failed to load topology: %v", err)
	}
	cfg := &config.Config{}
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("failed to load config: %v", err)
		}
	}
	orders, err := routing.BuildOrders(snap, cfg)
	if err != nil {
		log.Fatalf("failed to compute orderings: %v", err)
	}

	page := components.NewPage()
	page.PageTitle = "cuebridge topology"
	for i := range snap.Devices {
		page.AddCharts(deviceChart(&snap.Devices[i], orders))
	}

	f, err := os.Create(*outPath)
	if err != nil {
		log.Fatalf("failed to create %s: %v", *outPath, err)
	}
	defer f.Close()
	if err := page.Render(f); err != nil {
		log.Fatalf("failed to render charts: %v", err)
	}
	log.Printf("wrote %s (%d devices, %d LEDs)", *outPath, len(snap.Devices), snap.TotalLEDs)
}

func loadSnapshot(path string) (*topology.Snapshot, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	var snap topology.Snapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil {
		return nil, err
	}
	if len(snap.Devices) == 0 {
		return nil, fmt.Errorf("no devices in dump")
	}
	// Recompute bounds in case the dump came from an older build.
	return topology.NewSnapshot(snap.Devices), nil
}

// deviceChart plots one device's LEDs in SDK coordinates, coloured by their
// position in the computed ordering. Y is flipped so the chart matches the
// physical orientation (SDK Y grows downward).
func deviceChart(dev *topology.Device, orders routing.Orders) *charts.Scatter {
	perm := orders.Device(dev)
	orderPos := make(map[int]int, len(perm))
	for pos, led := range perm {
		orderPos[led] = pos
	}

	data := make([]opts.ScatterData, 0, len(dev.LEDs))
	for i, led := range dev.LEDs {
		data = append(data, opts.ScatterData{
			Value: []interface{}{led.X, dev.MaxY - led.Y, orderPos[i]},
		})
	}

	padX := (dev.MaxX-dev.MinX)*0.05 + 1
	padY := (dev.MaxY-dev.MinY)*0.05 + 1
	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{Width: "700px", Height: "450px"}),
		charts.WithTitleOpts(opts.Title{
			Title:    dev.Label(),
			Subtitle: fmt.Sprintf("class=%s leds=%d", dev.Class, dev.LEDCount()),
		}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: dev.MinX - padX, Max: dev.MaxX + padX}),
		charts.WithYAxisOpts(opts.YAxis{Min: -padY, Max: dev.MaxY - dev.MinY + padY}),
		charts.WithVisualMapOpts(opts.VisualMap{
			Show:       opts.Bool(true),
			Calculable: opts.Bool(true),
			Min:        0,
			Max:        float32(len(dev.LEDs) - 1),
			Dimension:  "2",
			InRange: &opts.VisualMapInRange{
				Color: []string{"#440154", "#31688e", "#35b779", "#fde725"},
			},
		}),
	)
	scatter.AddSeries("leds", data, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 10}))
	return scatter
}
