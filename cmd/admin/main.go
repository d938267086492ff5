// Admin CLI for pipeline operators: publish approval decisions to the Redis
// queue and inspect run status over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"

	redisclient "github.com/vietddude/pipeliner/internal/infra/redis"
)

func main() {
	action := flag.String("action", "", "approve | reject | status | cancel")
	runID := flag.String("run", "", "Run id")
	decidedBy := flag.String("by", "", "Decision author")
	redisURL := flag.String("redis-url", "redis://localhost:6379/0", "Redis URL for decisions")
	apiURL := flag.String("api-url", "http://localhost:8080", "Pipeliner API base URL")
	flag.Parse()

	_ = godotenv.Load()

	if *action == "" || *runID == "" {
		fmt.Fprintln(os.Stderr, "usage: admin -action approve|reject|status|cancel -run <run-id>")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch *action {
	case "approve", "reject":
		client, err := redisclient.NewClient(redisclient.Config{URL: *redisURL})
		if err != nil {
			fatal(err)
		}
		defer client.Close()

		err = client.PublishDecision(ctx, redisclient.Decision{
			RunID:     *runID,
			Decision:  *action,
			DecidedBy: *decidedBy,
		})
		if err != nil {
			fatal(err)
		}
		fmt.Printf("Published %s for %s\n", *action, *runID)

	case "status":
		resp, err := http.Get(fmt.Sprintf("%s/runs/%s", *apiURL, *runID))
		if err != nil {
			fatal(err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		fmt.Println(string(body))

	case "cancel":
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			fmt.Sprintf("%s/runs/%s/cancel", *apiURL, *runID), nil)
		if err != nil {
			fatal(err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			fatal(err)
		}
		defer resp.Body.Close()
		fmt.Printf("Cancel requested for %s: %s\n", *runID, resp.Status)

	default:
		fmt.Fprintf(os.Stderr, "unknown action %q\n", *action)
		os.Exit(2)
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}
