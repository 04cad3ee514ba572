// Command loadgen drives synthetic traffic at a sitepulse server using the
// tracker SDK. Handy for exercising the live dashboard locally.
package main

import (
	"flag"
	"fmt"
	"log/slog"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/tanvib/sitepulse/tracker"
)

var pages = []string{"/", "/pricing", "/docs", "/blog", "/signup", "/features"}

func main() {
	endpoint := flag.String("endpoint", "http://localhost:8080/api/v1/collect", "collect endpoint URL")
	siteID := flag.String("site", "demo-site", "site id to report under")
	visitors := flag.Int("visitors", 5, "number of concurrent simulated visitors")
	rate := flag.Duration("rate", 500*time.Millisecond, "mean delay between events per visitor")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger.Info("load generator starting", "endpoint", *endpoint, "site", *siteID, "visitors", *visitors)

	stop := make(chan struct{})
	var wg sync.WaitGroup

	for i := 0; i < *visitors; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			runVisitor(n, *endpoint, *siteID, *rate, stop, logger)
		}(i)
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	close(stop)
	wg.Wait()
	logger.Info("load generator stopped")
}

func runVisitor(n int, endpoint, siteID string, rate time.Duration, stop <-chan struct{}, logger *slog.Logger) {
	tr, err := tracker.New(tracker.Config{
		Endpoint:      endpoint,
		SiteID:        siteID,
		BufferSize:    5,
		FlushInterval: 2 * time.Second,
	})
	if err != nil {
		logger.Error("failed to create tracker", "error", err, "visitor", n)
		return
	}
	defer tr.Close()

	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(n)))

	for {
		select {
		case <-stop:
			return
		case <-time.After(time.Duration(rng.Int63n(int64(2 * rate)))):
		}

		page := pages[rng.Intn(len(pages))]
		switch rng.Intn(10) {
		case 0, 1, 2, 3:
			tr.Pageview(page)
		case 4, 5:
			tr.Click(fmt.Sprintf("a[href=%q]", page), page)
		case 6:
			tr.Scroll(rng.Intn(101), page)
		case 7:
			tr.FormSubmit("newsletter", page)
		case 8:
			variant := "A"
			if rng.Intn(2) == 1 {
				variant = "B"
			}
			tr.Conversion("signup", variant, float64(rng.Intn(50)))
		case 9:
			tr.Track("video_play", map[string]any{"id": rng.Intn(20)})
		}
	}
}
