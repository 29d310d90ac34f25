package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/agentworkforce/feedbackportal/internal/feedback"
	"github.com/agentworkforce/feedbackportal/internal/logging"
	"github.com/agentworkforce/feedbackportal/internal/portal"
)

type sessionOptions struct {
	BaseURL           string
	Token             string
	Owner             string
	Timeout           time.Duration
	SubmitTitle       string
	SubmitDescription string
	RetryID           string
	Once              bool
	Reconnect         bool
	Resync            bool
	Filter            portal.Filter
	Page              int
	PageSize          int
	// Notify is "text" for terminal lines or "log" for structured log entries.
	Notify            string
}

func main() {
	baseURL := flag.String("base-url", envOrDefault("FEEDBACK_BASE_URL", "http://127.0.0.1:8080"), "feedbackd base URL")
	token := flag.String("token", strings.TrimSpace(os.Getenv("FEEDBACK_TOKEN")), "bearer token")
	owner := flag.String("owner", strings.TrimSpace(os.Getenv("FEEDBACK_OWNER")), "user id; defaults to the token's sub claim")
	timeout := flag.Duration("timeout", durationEnv("FEEDBACK_SESSION_TIMEOUT", 15*time.Second), "per-request timeout")
	submitTitle := flag.String("submit-title", "", "submit a feedback item with this title")
	submitDescription := flag.String("submit-description", "", "description for -submit-title")
	retryID := flag.String("retry", "", "retry classification of this feedback id")
	once := flag.Bool("once", false, "load, act, render and exit without subscribing")
	reconnect := flag.Bool("reconnect", boolEnv("FEEDBACK_SESSION_RECONNECT", true), "reconnect the live stream after failures")
	resync := flag.Bool("resync", boolEnv("FEEDBACK_SESSION_RESYNC", true), "reload the list after a reconnect")
	status := flag.String("status", "", "only show items with this status")
	query := flag.String("query", "", "only show items whose title or description contains this text")
	page := flag.Int("page", 1, "page to render")
	pageSize := flag.Int("page-size", intEnv("FEEDBACK_SESSION_PAGE_SIZE", portal.DefaultPageSize), "items per page")
	notify := flag.String("notify", envOrDefault("FEEDBACK_SESSION_NOTIFY", notifyText), "notification output: text or log")
	logLevel := flag.String("log-level", envOrDefault("FEEDBACK_LOG_LEVEL", "warn"), "log level")
	flag.Parse()

	if strings.TrimSpace(*token) == "" {
		log.Fatalf("token is required (--token or FEEDBACK_TOKEN)")
	}
	if *timeout <= 0 {
		*timeout = 15 * time.Second
	}
	logger, logCloser, err := logging.New(logging.Options{Level: *logLevel, Format: logging.FormatConsole})
	if err != nil {
		log.Fatalf("failed to initialize logger: %v", err)
	}
	defer logCloser.Close()

	rootCtx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	err = runSession(rootCtx, sessionOptions{
		BaseURL:           *baseURL,
		Token:             *token,
		Owner:             *owner,
		Timeout:           *timeout,
		SubmitTitle:       *submitTitle,
		SubmitDescription: *submitDescription,
		RetryID:           strings.TrimSpace(*retryID),
		Once:              *once,
		Reconnect:         *reconnect,
		Resync:            *resync,
		Filter:            portal.Filter{Status: feedback.Status(strings.TrimSpace(*status)), Query: *query},
		Page:              *page,
		PageSize:          *pageSize,
		Notify:            *notify,
	}, os.Stdout, os.Stderr, logger)
	if err != nil {
		logger.Error().Err(err).Msg("feedback session failed")
		_ = logCloser.Close()
		os.Exit(1)
	}
}

func runSession(ctx context.Context, opts sessionOptions, out, notices io.Writer, logger zerolog.Logger) error {
	owner := strings.TrimSpace(opts.Owner)
	if owner == "" {
		owner = tokenSubject(opts.Token)
	}
	if owner == "" {
		return errors.New("owner is required (--owner, FEEDBACK_OWNER or a token with a sub claim)")
	}
	notifier, err := buildNotifier(opts.Notify, notices, logger)
	if err != nil {
		return err
	}
	client := portal.NewHTTPClient(opts.BaseURL, opts.Token, &http.Client{Timeout: opts.Timeout})
	initial, err := client.List(ctx)
	if err != nil {
		return fmt.Errorf("load feedback: %w", err)
	}
	store := portal.NewStore(initial)

	var renderMu sync.Mutex
	render := func(items []feedback.Item) {
		renderMu.Lock()
		defer renderMu.Unlock()
		if err := renderPage(out, items, opts); err != nil {
			logger.Warn().Err(err).Msg("render failed")
		}
	}

	var subscriber *portal.Subscriber
	subscribeErr := make(chan error, 1)
	if !opts.Once {
		unregister := store.OnChange(render)
		defer unregister()
		subscriber = portal.NewSubscriber(client, store, portal.SubscriberOptions{
			Reconnect:         opts.Reconnect,
			ResyncOnReconnect: opts.Resync,
			Notifier:          notifier,
			Logger:            logger,
		})
		go func() { subscribeErr <- subscriber.Run(ctx) }()
		defer subscriber.Close()
	}

	if opts.SubmitTitle != "" {
		submitter := portal.NewSubmitter(portal.SubmitterOptions{
			Owner:    owner,
			Store:    store,
			Remote:   client,
			Notifier: notifier,
			Logger:   logger,
		})
		form := submitter.Form()
		form.SetTitle(opts.SubmitTitle)
		form.SetDescription(opts.SubmitDescription)
		if _, err := submitter.SubmitForm(ctx); err != nil {
			return fmt.Errorf("submit feedback: %w", err)
		}
	}
	if opts.RetryID != "" {
		retrier := portal.NewRetrier(client, notifier, logger)
		if err := retrier.Retry(ctx, opts.RetryID); err != nil {
			return fmt.Errorf("retry %s: %w", opts.RetryID, err)
		}
	}

	if opts.Once {
		render(store.Items())
		return nil
	}
	if opts.SubmitTitle == "" && opts.RetryID == "" {
		render(store.Items())
	}
	select {
	case <-ctx.Done():
		return nil
	case err := <-subscribeErr:
		return err
	}
}

const (
	notifyText = "text"
	notifyLog  = "log"
)

func buildNotifier(mode string, notices io.Writer, logger zerolog.Logger) (portal.Notifier, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", notifyText:
		return portal.NewWriterNotifier(notices), nil
	case notifyLog:
		return portal.LogNotifier(logger), nil
	default:
		return nil, fmt.Errorf("unknown notify mode %q (want %s or %s)", mode, notifyText, notifyLog)
	}
}

func renderPage(w io.Writer, items []feedback.Item, opts sessionOptions) error {
	page := portal.Paginate(opts.Filter.Apply(items), opts.Page, opts.PageSize)
	if _, err := fmt.Fprintf(w, "-- %d item(s), page %d/%d --\n", page.Total, page.Page, page.TotalPages); err != nil {
		return err
	}
	return portal.Render(w, page.Items)
}

// tokenSubject reads the sub claim without verifying the token; the server
// verifies it on every request.
func tokenSubject(token string) string {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(strings.TrimSpace(token), &claims); err != nil {
		return ""
	}
	return strings.TrimSpace(claims.Subject)
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func intEnv(name string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %t", name, raw, fallback)
		return fallback
	}
	return value
}
