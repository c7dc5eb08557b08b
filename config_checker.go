package main

import (
	"slices"
	"time"
)

// ChecksConfig holds the timeouts, pacing and provider credentials of each check kind.
type ChecksConfig struct {
	Uptime struct {
		Timeout       time.Duration `yaml:"timeout" envconfig:"TIMEOUT" default:"10s"`
		UserAgent     string        `yaml:"user_agent" envconfig:"USER_AGENT" default:"sitekeeper/1.0"`
		SkipTLSVerify bool          `yaml:"skip_tls_verify" envconfig:"SKIP_TLS_VERIFY"`
		Jitter        time.Duration `yaml:"jitter" envconfig:"JITTER" default:"5s"`
	} `yaml:"uptime" envconfig:"UPTIME"`
	TLS struct {
		Timeout time.Duration `yaml:"timeout" envconfig:"TIMEOUT" default:"10s"`
		Jitter  time.Duration `yaml:"jitter" envconfig:"JITTER" default:"5s"`
	} `yaml:"tls" envconfig:"TLS"`
	PageSpeed struct {
		Timeout           time.Duration `yaml:"timeout" envconfig:"TIMEOUT" default:"60s"`
		ApiKey            string        `yaml:"api_key" envconfig:"API_KEY"`
		RequestsPerMinute int           `yaml:"requests_per_minute" envconfig:"REQUESTS_PER_MINUTE" default:"60"`
		Stagger           time.Duration `yaml:"stagger" envconfig:"STAGGER" default:"10s"`
		StrategyOffset    time.Duration `yaml:"strategy_offset" envconfig:"STRATEGY_OFFSET" default:"5s"`
	} `yaml:"pagespeed" envconfig:"PAGESPEED"`
	Ranking struct {
		Timeout        time.Duration `yaml:"timeout" envconfig:"TIMEOUT" default:"30s"`
		Stagger        time.Duration `yaml:"stagger" envconfig:"STAGGER" default:"5s"`
		StrategyOffset time.Duration `yaml:"strategy_offset" envconfig:"STRATEGY_OFFSET" default:"2s"`
		SearchConsole  struct {
			CredentialsFile string `yaml:"credentials_file" envconfig:"CREDENTIALS_FILE"`
			LookbackDays    int    `yaml:"lookback_days" envconfig:"LOOKBACK_DAYS" default:"7"`
		} `yaml:"search_console" envconfig:"SEARCH_CONSOLE"`
		Bing struct {
			ApiKey  string `yaml:"api_key" envconfig:"API_KEY"`
			BaseURL string `yaml:"base_url" envconfig:"BASE_URL"`
		} `yaml:"bing" envconfig:"BING"`
	} `yaml:"ranking" envconfig:"RANKING"`
}

// Policies builds the dispatch policy of every kind. Ranking sources without
// a configured provider are left out.
func (c ChecksConfig) Policies(rankingSources []string) map[CheckKind]DispatchPolicy {
	policies := DefaultDispatchPolicies()

	policies[CheckKindUptime] = DispatchPolicy{Jitter: c.Uptime.Jitter}
	policies[CheckKindTLS] = DispatchPolicy{Jitter: c.TLS.Jitter}

	pageSpeed := policies[CheckKindPageSpeed]
	pageSpeed.Stagger = c.PageSpeed.Stagger
	pageSpeed.StrategyOffset = c.PageSpeed.StrategyOffset
	policies[CheckKindPageSpeed] = pageSpeed

	ranking := policies[CheckKindRanking]
	ranking.Stagger = c.Ranking.Stagger
	ranking.StrategyOffset = c.Ranking.StrategyOffset
	ranking.Strategies = slices.DeleteFunc(slices.Clone(ranking.Strategies), func(source string) bool {
		return !slices.Contains(rankingSources, source)
	})
	policies[CheckKindRanking] = ranking

	return policies
}
