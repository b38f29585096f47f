package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"time"

	ui "github.com/gizak/termui/v3"
	"github.com/gizak/termui/v3/widgets"
	"github.com/urfave/cli/v2"
	"github.com/webitel/agent-relay/internal/handler/httpapi"
)

func dashboardCmd() *cli.Command {
	return &cli.Command{
		Name:    "dashboard",
		Aliases: []string{"d"},
		Usage:   "Terminal dashboard over a running daemon's stats endpoint",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Value: "http://127.0.0.1:7411",
				Usage: "Base URL of the daemon's HTTP endpoint",
			},
			&cli.DurationFlag{
				Name:  "interval",
				Value: 2 * time.Second,
				Usage: "Poll interval",
			},
		},
		Action: func(c *cli.Context) error {
			return runDashboard(c.String("addr"), c.Duration("interval"))
		},
	}
}

func runDashboard(baseURL string, interval time.Duration) error {
	if err := ui.Init(); err != nil {
		return fmt.Errorf("dashboard: init terminal: %w", err)
	}
	defer ui.Close()

	header := widgets.NewParagraph()
	header.Title = "agent-relay"

	agents := widgets.NewList()
	agents.Title = "Agents"

	channels := widgets.NewList()
	channels.Title = "Channels"

	processing := widgets.NewList()
	processing.Title = "Processing"

	messages := widgets.NewParagraph()
	messages.Title = "Messages"

	grid := ui.NewGrid()
	w, h := ui.TerminalDimensions()
	grid.SetRect(0, 0, w, h)
	grid.Set(
		ui.NewRow(0.15, ui.NewCol(1.0, header)),
		ui.NewRow(0.55,
			ui.NewCol(0.4, agents),
			ui.NewCol(0.3, channels),
			ui.NewCol(0.3, processing),
		),
		ui.NewRow(0.3, ui.NewCol(1.0, messages)),
	)

	client := &http.Client{Timeout: 3 * time.Second}
	refresh := func() {
		stats, err := fetchStats(client, baseURL)
		if err != nil {
			header.Text = fmt.Sprintf("unreachable: %v", err)
			ui.Render(grid)
			return
		}

		header.Text = fmt.Sprintf("agents=%d users=%d pending=%d shadows=%d uptime=%s",
			len(stats.Router.Agents), len(stats.Router.Users),
			stats.Router.Pending, stats.Router.Shadows,
			stats.Router.Uptime.Truncate(time.Second),
		)

		agents.Rows = statsAgentRows(stats)
		channels.Rows = statsChannelRows(stats)
		processing.Rows = stats.Router.Processing
		if len(processing.Rows) == 0 {
			processing.Rows = []string{"(idle)"}
		}

		messages.Text = fmt.Sprintf("unread=%d acked=%d failed=%d",
			stats.Messages["unread"], stats.Messages["acked"], stats.Messages["failed"])

		ui.Render(grid)
	}

	refresh()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	events := ui.PollEvents()

	for {
		select {
		case e := <-events:
			switch e.ID {
			case "q", "<C-c>":
				return nil
			case "<Resize>":
				payload := e.Payload.(ui.Resize)
				grid.SetRect(0, 0, payload.Width, payload.Height)
				ui.Clear()
				ui.Render(grid)
			}
		case <-ticker.C:
			refresh()
		}
	}
}

func fetchStats(client *http.Client, baseURL string) (*httpapi.StatsResponse, error) {
	resp, err := client.Get(baseURL + "/stats")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("stats endpoint: %s", resp.Status)
	}

	var stats httpapi.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

func statsAgentRows(stats *httpapi.StatsResponse) []string {
	byName := make(map[string]string, len(stats.Agents))
	for _, e := range stats.Agents {
		byName[e.Name] = fmt.Sprintf("%s  tx=%d rx=%d %s", e.Name, e.Sent, e.Received, e.Program)
	}

	names := append([]string(nil), stats.Router.Agents...)
	sort.Strings(names)

	rows := make([]string, 0, len(names))
	for _, name := range names {
		if row, ok := byName[name]; ok {
			rows = append(rows, row)
		} else {
			rows = append(rows, name)
		}
	}
	if len(rows) == 0 {
		rows = []string{"(none connected)"}
	}
	return rows
}

func statsChannelRows(stats *httpapi.StatsResponse) []string {
	names := make([]string, 0, len(stats.Router.Channels))
	for ch := range stats.Router.Channels {
		names = append(names, ch)
	}
	sort.Strings(names)

	rows := make([]string, 0, len(names))
	for _, ch := range names {
		rows = append(rows, fmt.Sprintf("%s (%d)", ch, stats.Router.Channels[ch]))
	}
	if len(rows) == 0 {
		rows = []string{"(no channels)"}
	}
	return rows
}
