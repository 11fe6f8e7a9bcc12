package run

import (
	"context"
	"log"
	"time"

	"digestwire/internal/config"
	"digestwire/internal/dispatch"
	"digestwire/internal/retry"
	"digestwire/internal/source"
)

// buildSources constructs the enabled source adapters for one run. The
// candidate window starts days_back days before the run date.
func buildSources(cfg *config.Config, date time.Time, policy retry.Policy) []source.Source {
	cutoff := date.AddDate(0, 0, -cfg.DaysBack)

	var sources []source.Source
	if cfg.Sources.SERP.Enabled {
		serp := cfg.Sources.SERP
		sources = append(sources, source.NewSERPSource(
			"serp", serp.Endpoint, serp.LoginEnv, serp.PasswordEnv,
			cfg.Query, serp.LanguageCode, serp.LocationCode, serp.MaxItems,
			cutoff, policy,
		))
	}
	for _, f := range cfg.Sources.Feeds {
		sources = append(sources, source.NewFeedSource(f.ID, f.Name, f.URL, f.MaxItems, cutoff, policy))
	}
	if cfg.Sources.Newswire.Enabled {
		nw := cfg.Sources.Newswire
		editions := make([]source.Edition, 0, len(nw.Editions))
		for _, e := range nw.Editions {
			editions = append(editions, source.Edition{Language: e.Language, Country: e.Country})
		}
		resolver := source.NewResolver(nw.Host, 15*time.Second)
		sources = append(sources, source.NewNewswireSource(
			"newswire", nw.Host, cfg.Query, editions, nw.MaxItems, cutoff, policy, resolver,
		))
	}
	for _, site := range cfg.Sources.Sites {
		sources = append(sources, source.NewSiteSource(source.SiteSpec{
			ID:            site.ID,
			URL:           site.URL,
			ItemSelector:  site.ItemSelector,
			TitleSelector: site.TitleSelector,
			LinkSelector:  site.LinkSelector,
			LinkAttr:      site.LinkAttr,
			DateSelector:  site.DateSelector,
			MaxItems:      site.MaxItems,
		}, cutoff, policy))
	}
	return sources
}

// buildSinks constructs the enabled sink adapters. A sink that cannot be
// constructed is dropped with a warning; the others still deliver.
func buildSinks(ctx context.Context, cfg *config.Config) []dispatch.Sink {
	var sinks []dispatch.Sink
	if cfg.Sinks.Email.Enabled {
		email := cfg.Sinks.Email
		sinks = append(sinks, dispatch.NewEmailSink(dispatch.EmailConfig{
			Endpoint:         email.Endpoint,
			APIKeyEnv:        email.APIKeyEnv,
			FromEmailEnv:     email.FromEmailEnv,
			FromNameTemplate: email.FromNameTemplate,
			Recipients:       email.Recipients,
			SubjectTemplate:  cfg.Digest.SubjectTemplate,
			ExcerptChars:     cfg.Digest.ExcerptChars,
			SendEmpty:        email.SendEmpty,
		}))
	}
	if cfg.Sinks.Forum.Enabled {
		forum := cfg.Sinks.Forum
		sinks = append(sinks, dispatch.NewForumSink(dispatch.ForumConfig{
			AuthEndpoint:    forum.AuthEndpoint,
			APIEndpoint:     forum.APIEndpoint,
			ClientIDEnv:     forum.ClientIDEnv,
			ClientSecretEnv: forum.ClientSecretEnv,
			RefreshTokenEnv: forum.RefreshTokenEnv,
			UserAgent:       forum.UserAgent,
			Subreddit:       forum.Subreddit,
			FlairID:         forum.FlairID,
			SubjectTemplate: cfg.Digest.SubjectTemplate,
			ExcerptChars:    cfg.Digest.ExcerptChars,
		}))
	}
	if cfg.Sinks.Archive.Enabled {
		archive := cfg.Sinks.Archive
		sink, err := dispatch.NewArchiveSink(ctx, dispatch.ArchiveConfig{
			Bucket:       archive.Bucket,
			Region:       archive.Region,
			Prefix:       archive.Prefix,
			Profile:      archive.Profile,
			ExcerptChars: cfg.Digest.ExcerptChars,
		})
		if err != nil {
			log.Printf("dispatch: archive sink unavailable: %v", err)
		} else {
			sinks = append(sinks, sink)
		}
	}
	return sinks
}
