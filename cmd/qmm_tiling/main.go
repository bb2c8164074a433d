// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// qmm_tiling plans quantized batched matmuls from the command line: it prints the plan of one
// shape, dumps it as JSON or as the binary tiling blob, optionally executes it with random data
// against the float64 reference, or sweeps a grid of shapes checking the plans.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/qmatmul/pkg/qmm/platform"
	"github.com/gomlx/qmatmul/pkg/qmm/tiling"
	"github.com/janpfeifer/must"
	"github.com/muesli/termenv"
	"k8s.io/klog/v2"
)

var (
	flagPlatform = flag.String("platform", platform.Default,
		"Name of a preset platform or path to a platform YAML file.")
	flagCores = flag.Int("cores", 0, "If > 0, overrides the number of cores of the platform.")
	flagDepth = flag.Int("depth", tiling.DefaultPipelineDepth, "Pipeline depth: workspace slots per core.")
	flagJSON  = flag.Bool("json", false, "Print the plan as JSON.")
	flagBlob  = flag.String("blob", "", "If set, write the binary tiling blob to this file.")
	flagRun   = flag.Bool("run", false, "Execute the plan with random operands and compare to the reference.")
	flagSweep = flag.Bool("sweep", false, "Plan a grid of shapes (ignores -m, -k, -n) and check every plan.")
	flagColor = flag.Bool("color", true, "Colored output. Set to false for plain text.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()
	if !*flagColor {
		lipgloss.SetColorProfile(termenv.Ascii)
	}

	p, err := platform.Resolve(*flagPlatform)
	if err != nil {
		klog.Fatalf("Failed to load platform %q: %+v", *flagPlatform, err)
	}
	if *flagCores > 0 {
		p = p.WithCores(*flagCores)
	}
	planner := tiling.NewPlanner(p).WithPipelineDepth(*flagDepth)

	if *flagSweep {
		if failures := sweep(planner); failures > 0 {
			klog.Errorf("%d shapes failed", failures)
			os.Exit(1)
		}
		return
	}

	in, err := inputsFromFlags()
	if err != nil {
		klog.Fatalf("Invalid flags: %+v", err)
	}
	plan, desc, err := planInputs(planner, in)
	if err != nil {
		klog.Errorf("Planning failed: %+v", err)
		os.Exit(1)
	}
	fmt.Println(titleStyle.Render(fmt.Sprintf("Plan for %s", desc)))
	fmt.Println(planTable(plan).Render())

	if *flagJSON {
		fmt.Println(string(must.M1(plan.MarshalIndentJSON())))
	}
	if *flagBlob != "" {
		blob := plan.EncodeBlob()
		must.M(os.WriteFile(*flagBlob, blob, 0o644))
		klog.Infof("Wrote %d bytes of tiling blob to %q", len(blob), *flagBlob)
	}
	if *flagRun {
		if !run(planner, in) {
			os.Exit(1)
		}
	}
}
