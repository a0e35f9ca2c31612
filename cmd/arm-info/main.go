// arm-info probes every motor on the CAN bus and reports what it finds.
// Useful as a first check that the wiring, addresses, and termination are
// right before starting the daemon.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/jessevdk/go-flags"

	"github.com/arctos-robotics/armd/pkg/bus"
	"github.com/arctos-robotics/armd/pkg/config"
	"github.com/arctos-robotics/armd/pkg/mks"
)

type Options struct {
	Config string `long:"config" short:"c" default:"armd.yml" description:"Path to the configuration file"`
	JSON   bool   `long:"json" description:"Machine-readable output"`
}

type motorReport struct {
	ID      int    `json:"id"`
	Found   bool   `json:"found"`
	Status  string `json:"status,omitempty"`
	Encoder int64  `json:"encoder,omitempty"`
	RPM     int    `json:"rpm,omitempty"`
	IO      string `json:"io,omitempty"`
	Error   string `json:"error,omitempty"`
}

var statusNames = map[mks.MotorStatus]string{
	mks.StatusStopped:   "stopped",
	mks.StatusSpeedUp:   "accelerating",
	mks.StatusSpeedDown: "decelerating",
	mks.StatusFullSpeed: "full speed",
	mks.StatusHoming:    "homing",
}

func main() {
	var opts Options
	if _, err := flags.Parse(&opts); err != nil {
		if flagsErr, ok := err.(*flags.Error); ok && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		os.Exit(1)
	}

	cfg, err := config.Load(opts.Config)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	iface := cfg.CAN().Interface

	adapter, err := bus.Open(iface)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open %s: %v\n", iface, err)
		os.Exit(1)
	}
	defer adapter.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var reports []motorReport
	for _, mc := range cfg.Motors() {
		reports = append(reports, probe(ctx, adapter, mc.ID))
	}

	if opts.JSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		enc.Encode(map[string]interface{}{
			"interface": iface,
			"motors":    reports,
		})
		return
	}
	printTable(iface, reports)
}

func probe(ctx context.Context, adapter bus.Adapter, id int) motorReport {
	s := mks.NewServo(adapter, id)
	defer s.Close()

	r := motorReport{ID: id}
	st, err := s.Status(ctx)
	if err != nil {
		r.Error = err.Error()
		return r
	}
	r.Found = true
	r.Status = statusNames[st]
	if r.Status == "" {
		r.Status = fmt.Sprintf("unknown (%d)", st)
	}

	if enc, err := s.ReadEncoder(ctx); err == nil {
		r.Encoder = enc
	}
	if rpm, err := s.ReadSpeed(ctx); err == nil {
		r.RPM = rpm
	}
	if io, err := s.ReadIOStatus(ctx); err == nil {
		r.IO = fmt.Sprintf("%08b", io)
	}
	return r
}

func printTable(iface string, reports []motorReport) {
	headerStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	okStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	badStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("9"))

	fmt.Println(headerStyle.Render(fmt.Sprintf("Motors on %s", iface)))

	t := table.New().
		Border(lipgloss.RoundedBorder()).
		Headers("ID", "FOUND", "STATUS", "ENCODER", "RPM", "IO")
	found := 0
	for _, r := range reports {
		if r.Found {
			found++
			t.Row(
				fmt.Sprint(r.ID),
				okStyle.Render("yes"),
				r.Status,
				fmt.Sprint(r.Encoder),
				fmt.Sprint(r.RPM),
				r.IO,
			)
		} else {
			t.Row(fmt.Sprint(r.ID), badStyle.Render("no"), "-", "-", "-", "-")
		}
	}
	fmt.Println(t.Render())
	fmt.Printf("%d of %d motors answered\n", found, len(reports))
	if found < len(reports) {
		os.Exit(1)
	}
}
