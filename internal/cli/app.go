package cli

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"regexp"
	"time"

	"github.com/ppiankov/digestpipe/internal/config"
	"github.com/ppiankov/digestpipe/internal/digest"
	"github.com/ppiankov/digestpipe/internal/dispatch"
	"github.com/ppiankov/digestpipe/internal/filter"
	"github.com/ppiankov/digestpipe/internal/metrics"
	"github.com/ppiankov/digestpipe/internal/pipeline"
	"github.com/ppiankov/digestpipe/internal/privacy"
	"github.com/ppiankov/digestpipe/internal/source"
	"github.com/ppiankov/digestpipe/internal/store"
	"github.com/ppiankov/digestpipe/internal/summarize"
	"github.com/ppiankov/digestpipe/internal/zulip"
)

// app holds what one command invocation shares between pipelines. Clients
// are built once here and injected.
type app struct {
	cfg     *config.Config
	db      *store.Store
	zulip   *zulip.Client
	metrics *metrics.Recorder
	slog    *slog.Logger
	common  pipeline.Common
}

func openApp() (*app, error) {
	cfg, err := config.Load(configDir)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	logger := slog.Default()
	zc, err := zulip.New(zulip.Config{
		Site:      cfg.Zulip.Site,
		BaseURL:   cfg.Zulip.BaseURL,
		Email:     cfg.Zulip.Email,
		APIKey:    cfg.Zulip.APIKey,
		Timeout:   cfg.HTTP.Timeout.Duration,
		SendEvery: cfg.Zulip.SendEvery.Duration,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create zulip client: %w", err)
	}

	mute, err := muteRules(cfg.Mute)
	if err != nil {
		return nil, err
	}
	var redact []*regexp.Regexp
	if cfg.Privacy.Redact.Enabled && len(cfg.Privacy.Redact.Patterns) > 0 {
		redact, err = privacy.Compile(cfg.Privacy.Redact.Patterns)
		if err != nil {
			return nil, fmt.Errorf("compile redact patterns: %w", err)
		}
	}

	db, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	loc := cfg.Location()
	rec := metrics.New()
	return &app{
		cfg:     cfg,
		db:      db,
		zulip:   zc,
		metrics: rec,
		slog:    logger,
		common: pipeline.Common{
			State:   db,
			Mute:    mute,
			Redact:  redact,
			Metrics: rec,
			Logger:  logger,
			Now:     func() time.Time { return time.Now().In(loc) },
		},
	}, nil
}

func (a *app) close() {
	if err := a.metrics.WriteTextfile(a.cfg.Metrics.Textfile); err != nil {
		a.slog.Warn("write metrics", slog.Any("error", err))
	}
	if _, err := a.db.PruneRuns(context.Background(), a.cfg.Storage.RetainDays); err != nil {
		a.slog.Warn("prune run history", slog.Any("error", err))
	}
	_ = a.db.Close()
}

func muteRules(m config.MuteConfig) (filter.Mute, error) {
	patterns, err := privacy.Compile(m.Patterns)
	if err != nil {
		return filter.Mute{}, fmt.Errorf("compile mute patterns: %w", err)
	}
	return filter.Mute{
		Authors:  m.Authors,
		Groups:   m.Groups,
		Keywords: m.Keywords,
		Patterns: patterns,
	}, nil
}

func (a *app) tracker() *pipeline.TrackerRunner {
	timeout := a.cfg.HTTP.Timeout.Duration
	insta := source.NewInstagram(&http.Client{Timeout: timeout}, a.cfg.Tracker.MaxPosts, timeout)
	rss := source.NewRSS(timeout)

	var targets []pipeline.Target
	for _, t := range a.cfg.Tracker.Accounts {
		targets = append(targets, pipeline.Target{SourceID: t.ID, Adapter: insta, Dest: destination(t.Dest)})
	}
	for _, t := range a.cfg.Tracker.Feeds {
		targets = append(targets, pipeline.Target{SourceID: t.ID, Adapter: rss, Dest: destination(t.Dest)})
	}

	return &pipeline.TrackerRunner{
		Common:  a.common,
		Targets: targets,
		Chat:    dispatch.NewChat(a.zulip, a.slog),
	}
}

func destination(d config.Destination) dispatch.Destination {
	return dispatch.Destination{Stream: d.Stream, Topic: d.Topic}
}

// digester builds the digest runner. Recipients are resolved from the realm
// member list when none are configured; dry runs skip that lookup.
func (a *app) digester(ctx context.Context, mailer dispatch.Mailer, resolveRecipients bool) (*pipeline.DigestRunner, error) {
	common := a.common
	common.Self = a.cfg.Zulip.Email

	from := dispatch.Recipient{Name: a.cfg.Zulip.Site, Email: a.cfg.Zulip.Email}
	if a.cfg.Digest.From != "" {
		parsed, err := dispatch.ParseRecipients([]string{a.cfg.Digest.From})
		if err != nil {
			return nil, fmt.Errorf("digest.from: %w", err)
		}
		from = parsed[0]
	}

	recipients, err := dispatch.ParseRecipients(a.cfg.Digest.Recipients)
	if err != nil {
		return nil, fmt.Errorf("digest.recipients: %w", err)
	}
	if len(recipients) == 0 && resolveRecipients {
		recipients, err = pipeline.MemberRecipients(ctx, a.zulip)
		if err != nil {
			return nil, err
		}
	}

	sum := &summarize.HeuristicSummarizer{MaxLen: a.cfg.Digest.SummaryLength}
	return &pipeline.DigestRunner{
		Common:     common,
		Source:     source.NewZulipHistory(a.zulip, a.cfg.Digest.HistoryLimit, a.cfg.Digest.Streams),
		Formatter:  digest.NewHTML(sum),
		Email:      dispatch.NewEmail(mailer, a.slog),
		Site:       a.cfg.Zulip.Site,
		From:       from,
		Recipients: recipients,
		Window:     a.cfg.Digest.Window.Duration,
	}, nil
}

// mailer picks the transport for digest emails.
func (a *app) mailer() (dispatch.Mailer, error) {
	m := a.cfg.Mail
	switch a.cfg.MailProvider() {
	case config.ProviderSendGrid:
		return dispatch.NewSendGrid(m.SendGrid.APIKey, m.SendGrid.Host, a.cfg.HTTP.Timeout.Duration)
	case config.ProviderSMTP:
		return dispatch.NewSMTP(m.SMTP.Host, m.SMTP.Port, m.SMTP.Username, m.SMTP.Password, a.cfg.HTTP.Timeout.Duration)
	default:
		return dispatch.NewFile(m.File.Path, os.Stdout), nil
	}
}
