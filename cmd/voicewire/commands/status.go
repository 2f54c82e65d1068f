package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/voicewire/voicewire/pkg/bridge"
	"github.com/voicewire/voicewire/pkg/session"
)

var statusAddr string

var (
	statusLabelStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#00ff9f"))
	statusDimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#6e7681"))
	statusErrStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#ff5f5f"))
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of a running bridge",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := fetchStatus(statusAddr)
		if err != nil {
			fmt.Println(statusErrStyle.Render("bridge unreachable") +
				statusDimStyle.Render(" ("+err.Error()+")"))
			return err
		}
		printStatus(st)

		calls, err := fetchCalls(statusAddr)
		if err != nil {
			return err
		}
		printCalls(calls)
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", "127.0.0.1:8091", "status server address")
	rootCmd.AddCommand(statusCmd)
}

func fetchStatus(addr string) (*bridge.SystemStatus, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + addr + "/status")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	var st bridge.SystemStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, err
	}
	return &st, nil
}

func fetchCalls(addr string) ([]session.Snapshot, error) {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://" + addr + "/calls")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var calls []session.Snapshot
	if err := json.NewDecoder(resp.Body).Decode(&calls); err != nil {
		return nil, err
	}
	return calls, nil
}

func printStatus(st *bridge.SystemStatus) {
	fmt.Println(statusLabelStyle.Render("voicewire") +
		statusDimStyle.Render("  up "+st.Uptime.Round(time.Second).String()))
	fmt.Printf("  %s %d\n", statusLabelStyle.Render("active calls:"), st.ActiveCalls)
	fmt.Printf("  %s %s\n", statusLabelStyle.Render("transport:   "), st.Transport)
	fmt.Printf("  %s %d total, %d active, %d errors\n",
		statusLabelStyle.Render("sessions:    "),
		st.Sessions.TotalSessions, st.Sessions.ActiveSessions, st.Sessions.TotalErrors)
}

func printCalls(calls []session.Snapshot) {
	if len(calls) == 0 {
		fmt.Println(statusDimStyle.Render("  no live calls"))
		return
	}
	for _, c := range calls {
		fmt.Printf("  %s %s  %s → %s  %s  %d turns\n",
			statusLabelStyle.Render(c.Call.ChannelID),
			statusDimStyle.Render(c.State.String()),
			c.Call.CallerNumber, c.Call.CalledNumber,
			c.Call.Duration().Round(time.Second),
			c.TurnCount)
	}
}
