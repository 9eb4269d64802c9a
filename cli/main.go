package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var (
	serverURL string
	Version   = "dev"
)

type nowPlaying struct {
	Station   string `json:"station"`
	Listeners int    `json:"listeners"`
	Song      struct {
		Title  string `json:"title"`
		Artist string `json:"artist"`
	} `json:"song"`
	Elapsed  int `json:"elapsed"`
	Duration int `json:"duration"`
}

type songRequest struct {
	ID        string    `json:"id"`
	SongID    string    `json:"song_id"`
	Title     string    `json:"title"`
	Artist    string    `json:"artist"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "oadro",
		Short: "OADRO - internet radio API tools",
		Long:  "Inspect the OADRO radio API: station status, live metadata, and the request queue",
	}

	rootCmd.PersistentFlags().StringVarP(&serverURL, "server", "s", "http://localhost:8080", "OADRO API URL")

	rootCmd.AddCommand(
		statusCmd(),
		nowPlayingCmd(),
		requestsCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show API health and breaker states",
		RunE: func(cmd *cobra.Command, args []string) error {
			var health struct {
				Status   string `json:"status"`
				Version  string `json:"version"`
				Breakers []struct {
					Name          string `json:"name"`
					State         string `json:"state"`
					TotalRequests uint64 `json:"total_requests"`
				} `json:"breakers"`
			}
			if err := fetchJSON("/api/health", &health); err != nil {
				return err
			}

			fmt.Printf("OADRO API Status\n")
			fmt.Printf("================\n\n")
			fmt.Printf("Status:    %s\n", health.Status)
			fmt.Printf("Version:   %s\n\n", health.Version)

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "BREAKER\tSTATE\tREQUESTS")
			fmt.Fprintln(w, "-------\t-----\t--------")
			for _, b := range health.Breakers {
				fmt.Fprintf(w, "%s\t%s\t%d\n", b.Name, b.State, b.TotalRequests)
			}
			w.Flush()
			return nil
		},
	}
}

func nowPlayingCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "nowplaying",
		Aliases: []string{"np"},
		Short:   "Show what the station is playing",
		RunE: func(cmd *cobra.Command, args []string) error {
			var np nowPlaying
			if err := fetchJSON("/api/nowplaying", &np); err != nil {
				return err
			}

			fmt.Printf("Now playing on %s\n", np.Station)
			fmt.Printf("========================================\n\n")
			fmt.Printf("Track:      %s\n", np.Song.Title)
			fmt.Printf("Artist:     %s\n", np.Song.Artist)
			fmt.Printf("Progress:   %s / %s\n", formatSeconds(np.Elapsed), formatSeconds(np.Duration))
			fmt.Printf("Listeners:  %d\n", np.Listeners)
			return nil
		},
	}
}

func requestsCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "requests",
		Aliases: []string{"ls", "queue"},
		Short:   "List recent song requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			var requests []songRequest
			if err := fetchJSON("/api/requests", &requests); err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TITLE\tARTIST\tSTATUS\tREQUESTED")
			fmt.Fprintln(w, "-----\t------\t------\t---------")
			for _, r := range requests {
				age := time.Since(r.CreatedAt).Round(time.Second)
				fmt.Fprintf(w, "%s\t%s\t%s\t%s ago\n", r.Title, r.Artist, r.Status, age)
			}
			w.Flush()
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("oadro version %s\n", Version)
		},
	}
}

func fetchJSON(path string, out any) error {
	resp, err := http.Get(serverURL + path)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

func formatSeconds(total int) string {
	if total <= 0 {
		return "0:00"
	}
	return fmt.Sprintf("%d:%02d", total/60, total%60)
}
