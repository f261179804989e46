package cmd

import (
	"bytes"
	"fmt"
	"time"

	"github.com/achilleasa/gpubvh/bvh"
	"github.com/achilleasa/gpubvh/device"
	"github.com/achilleasa/gpubvh/types"
	"github.com/olekukonko/tablewriter"
)

func displayBuildStats(stats []*bvh.BuildStats) {
	if len(stats) == 0 {
		return
	}

	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"Frame", "Triangles", "Clusters", "Capacity", "Grew", "Atlas repacked", "Build time"})

	var total time.Duration
	for frame, stat := range stats {
		table.Append([]string{
			fmt.Sprint(frame),
			fmt.Sprint(stat.Triangles),
			fmt.Sprint(stat.Clusters),
			fmt.Sprint(stat.Capacity),
			fmt.Sprintf("%t", stat.Grew),
			fmt.Sprintf("%t", stat.AtlasRepacked),
			stat.Duration.String(),
		})
		total += stat.Duration
	}
	table.SetFooter([]string{"", "", "", "", "", "AVG", (total / time.Duration(len(stats))).String()})
	table.Render()
	logger.Noticef("build statistics\n%s", buf.String())

	// Stage timings of the last frame.
	buf.Reset()
	table = tablewriter.NewWriter(&buf)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetHeader([]string{"Stage", "Time"})
	last := stats[len(stats)-1]
	for _, timing := range last.Timings {
		table.Append([]string{timing.Name, timing.Duration.String()})
	}
	table.Render()
	logger.Noticef("stage timings (last frame)\n%s", buf.String())
}

func displayDeviceStats(name string, stats device.Stats) {
	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetAutoFormatHeaders(false)
	table.SetHeader([]string{"Device", "Dispatches", "Indirect", "Barriers", "Submits", "Uploads", "Readbacks"})
	table.Append([]string{
		name,
		fmt.Sprint(stats.Dispatches),
		fmt.Sprint(stats.IndirectDispatches),
		fmt.Sprint(stats.Barriers),
		fmt.Sprint(stats.Submits),
		fmt.Sprint(stats.Uploads),
		fmt.Sprint(stats.Readbacks),
	})
	table.Render()
	logger.Infof("device statistics\n%s", buf.String())
}

func displayHit(hit bvh.Hit, point types.Vec3, object string, material uint32) {
	var buf bytes.Buffer
	table := tablewriter.NewWriter(&buf)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoFormatHeaders(false)
	table.SetHeader([]string{"Field", "Value"})
	table.Append([]string{"Object", object})
	table.Append([]string{"Triangle", fmt.Sprint(hit.Triangle)})
	table.Append([]string{"Cluster", fmt.Sprint(hit.Cluster)})
	table.Append([]string{"Leaf node", fmt.Sprint(hit.Node)})
	table.Append([]string{"Material", fmt.Sprint(material)})
	table.Append([]string{"Distance", fmt.Sprintf("%.4f", hit.T)})
	table.Append([]string{"Barycentrics", fmt.Sprintf("%.4f, %.4f", hit.U, hit.V)})
	table.Append([]string{"Point", fmt.Sprintf("%.4f, %.4f, %.4f", point[0], point[1], point[2])})
	table.Render()
	logger.Noticef("closest hit\n%s", buf.String())
}
