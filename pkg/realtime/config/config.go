// Package config loads client settings from HCL files.
//
//	gateway    = "wss://api.altan.ai"
//	account_id = env.ALTAN_ACCOUNT_ID
//	token      = env.ALTAN_TOKEN
//
//	subscriptions = ["account:${env.ALTAN_ACCOUNT_ID}"]
//
//	subscription "sa-service-metrics:*" {
//	  kind = "pattern"
//	}
//
//	reconnect {
//	  delay        = 5
//	  max_delay    = "PT1M"
//	  multiplier   = 2
//	  max_attempts = 10
//	}
//
//	redis {
//	  addr = "localhost:6379"
//	}
package config

import (
	"fmt"
	"time"

	"github.com/altan/realtime/pkg/realtime/conn"
	"github.com/altan/realtime/pkg/realtime/deployment"
	"github.com/altan/realtime/pkg/realtime/retry"
	"github.com/altan/realtime/pkg/realtime/subscriptions"
	"github.com/altan/realtime/pkg/realtime/wire"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/zclconf/go-cty/cty"
	"go.uber.org/zap"
)

// Config is the evaluated client configuration.
type Config struct {
	GatewayURL      string
	AccountID       string
	Token           string
	CompletionDelay time.Duration
	Subscriptions   []subscriptions.Request
	Reconnect       Reconnect
	Redis           *Redis // nil keeps deployment state in memory
	Metrics         Metrics
}

// Reconnect controls the reconnect advisory.
type Reconnect struct {
	Delay       time.Duration
	MaxDelay    time.Duration
	Multiplier  float64 // 1 keeps the delay fixed
	MaxAttempts int     // 0 is unlimited
	Auto        bool    // re-initialize when the advisory fires
}

// Policy builds the retry policy described by r.
func (r Reconnect) Policy() retry.Policy {
	if r.Multiplier <= 1 {
		return retry.WithMaxAttempts(retry.Fixed(r.Delay), r.MaxAttempts)
	}
	return retry.Exponential{
		Initial:     r.Delay,
		Max:         r.MaxDelay,
		Multiplier:  r.Multiplier,
		MaxAttempts: r.MaxAttempts,
	}
}

// Redis selects the shared deployment store.
type Redis struct {
	Addr     string
	Username string
	Password string
	DB       int
	Prefix   string
}

// Metrics controls the periodic metrics report. A zero Interval disables it.
type Metrics struct {
	Interval time.Duration
}

type fileConfig struct {
	Gateway         *string             `hcl:"gateway"`
	AccountID       *string             `hcl:"account_id"`
	Token           *string             `hcl:"token"`
	CompletionDelay hcl.Expression      `hcl:"completion_delay,optional"`
	Subscriptions   []string            `hcl:"subscriptions,optional"`
	Subscription    []subscriptionBlock `hcl:"subscription,block"`
	Reconnect       []reconnectBlock    `hcl:"reconnect,block"`
	Redis           []redisBlock        `hcl:"redis,block"`
	Metrics         []metricsBlock      `hcl:"metrics,block"`
	Remain          hcl.Body            `hcl:",remain"`
}

type subscriptionBlock struct {
	Channel string  `hcl:"channel,label"`
	Kind    *string `hcl:"kind"`
}

type reconnectBlock struct {
	Delay       hcl.Expression `hcl:"delay,optional"`
	MaxDelay    hcl.Expression `hcl:"max_delay,optional"`
	Multiplier  *float64       `hcl:"multiplier"`
	MaxAttempts *int           `hcl:"max_attempts"`
	Auto        *bool          `hcl:"auto"`
}

type redisBlock struct {
	Addr     string  `hcl:"addr"`
	Username *string `hcl:"username"`
	Password *string `hcl:"password"`
	DB       *int    `hcl:"db"`
	Prefix   *string `hcl:"prefix"`
}

type metricsBlock struct {
	Interval hcl.Expression `hcl:"interval,optional"`
}

// ConfigBuilder provides a fluent interface for loading a Config.
type ConfigBuilder struct {
	logger  *zap.Logger
	sources []any
	environ func() []string
}

// NewConfig creates a new Config builder.
func NewConfig() *ConfigBuilder {
	return &ConfigBuilder{
		logger:  zap.NewNop(),
		environ: processEnv,
	}
}

func (cb *ConfigBuilder) WithLogger(logger *zap.Logger) *ConfigBuilder {
	if logger != nil {
		cb.logger = logger
	}
	return cb
}

// WithSources adds files, directories or raw configuration text.
func (cb *ConfigBuilder) WithSources(sources ...any) *ConfigBuilder {
	cb.sources = append(cb.sources, sources...)
	return cb
}

// WithEnviron replaces the environment exposed as `env`.
func (cb *ConfigBuilder) WithEnviron(environ []string) *ConfigBuilder {
	cb.environ = func() []string { return environ }
	return cb
}

// Default returns the configuration used when no file sets a value.
func Default() *Config {
	return &Config{
		GatewayURL:      conn.DefaultGatewayURL,
		CompletionDelay: deployment.DefaultCompletionDelay,
		Reconnect: Reconnect{
			Delay:      retry.DefaultDelay,
			Multiplier: 1,
			Auto:       true,
		},
	}
}

// Build parses and evaluates every source. Later sources override earlier
// ones; subscriptions accumulate.
func (cb *ConfigBuilder) Build() (*Config, hcl.Diagnostics) {
	bodies, diags := parseSources(cb.sources...)
	if diags.HasErrors() {
		return nil, diags
	}

	evalCtx := &hcl.EvalContext{
		Variables: map[string]cty.Value{
			"env": envObject(cb.environ()),
		},
	}

	config := Default()
	for _, body := range bodies {
		var fc fileConfig
		decodeDiags := gohcl.DecodeBody(body, evalCtx, &fc)
		diags = diags.Extend(decodeDiags)
		if decodeDiags.HasErrors() {
			continue
		}
		diags = diags.Extend(fc.applyTo(config, evalCtx))
	}
	if diags.HasErrors() {
		return nil, diags
	}

	diags = diags.Extend(config.validate())
	if diags.HasErrors() {
		return nil, diags
	}

	cb.logger.Debug("Config built successfully",
		zap.String("gateway", config.GatewayURL),
		zap.String("accountId", config.AccountID),
		zap.Int("subscriptions", len(config.Subscriptions)),
	)
	return config, diags
}

func (fc *fileConfig) applyTo(config *Config, evalCtx *hcl.EvalContext) hcl.Diagnostics {
	var diags hcl.Diagnostics

	diags = diags.Extend(unsupported(fc.Remain))

	if fc.Gateway != nil {
		config.GatewayURL = *fc.Gateway
	}
	if fc.AccountID != nil {
		config.AccountID = *fc.AccountID
	}
	if fc.Token != nil {
		config.Token = *fc.Token
	}
	if isExpressionProvided(fc.CompletionDelay) {
		d, durDiags := parseDuration(fc.CompletionDelay, evalCtx)
		diags = diags.Extend(durDiags)
		config.CompletionDelay = d
	}

	for _, channel := range fc.Subscriptions {
		config.Subscriptions = append(config.Subscriptions, subscriptions.Request{Channel: channel, Kind: wire.KindLive})
	}
	for _, block := range fc.Subscription {
		kind := wire.KindLive
		if block.Kind != nil {
			var ok bool
			if kind, ok = parseKind(*block.Kind); !ok {
				diags = diags.Append(&hcl.Diagnostic{
					Severity: hcl.DiagError,
					Summary:  "Invalid subscription kind",
					Detail:   fmt.Sprintf("Subscription %q has kind %q; expected \"live\" or \"pattern\"", block.Channel, *block.Kind),
				})
				continue
			}
		}
		config.Subscriptions = append(config.Subscriptions, subscriptions.Request{Channel: block.Channel, Kind: kind})
	}

	diags = diags.Extend(singleBlock("reconnect", len(fc.Reconnect)))
	for _, block := range fc.Reconnect {
		diags = diags.Extend(block.applyTo(&config.Reconnect, evalCtx))
	}

	diags = diags.Extend(singleBlock("redis", len(fc.Redis)))
	for _, block := range fc.Redis {
		r := &Redis{Addr: block.Addr}
		if block.Username != nil {
			r.Username = *block.Username
		}
		if block.Password != nil {
			r.Password = *block.Password
		}
		if block.DB != nil {
			r.DB = *block.DB
		}
		if block.Prefix != nil {
			r.Prefix = *block.Prefix
		}
		config.Redis = r
	}

	diags = diags.Extend(singleBlock("metrics", len(fc.Metrics)))
	for _, block := range fc.Metrics {
		if isExpressionProvided(block.Interval) {
			d, durDiags := parseDuration(block.Interval, evalCtx)
			diags = diags.Extend(durDiags)
			config.Metrics.Interval = d
		}
	}

	return diags
}

func (b reconnectBlock) applyTo(r *Reconnect, evalCtx *hcl.EvalContext) hcl.Diagnostics {
	var diags hcl.Diagnostics

	if isExpressionProvided(b.Delay) {
		d, durDiags := parseDuration(b.Delay, evalCtx)
		diags = diags.Extend(durDiags)
		r.Delay = d
	}
	if isExpressionProvided(b.MaxDelay) {
		d, durDiags := parseDuration(b.MaxDelay, evalCtx)
		diags = diags.Extend(durDiags)
		r.MaxDelay = d
	}
	if b.Multiplier != nil {
		if *b.Multiplier < 1 {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid reconnect multiplier",
				Detail:   fmt.Sprintf("multiplier must be at least 1, got %v", *b.Multiplier),
			})
		}
		r.Multiplier = *b.Multiplier
	}
	if b.MaxAttempts != nil {
		if *b.MaxAttempts < 0 {
			diags = diags.Append(&hcl.Diagnostic{
				Severity: hcl.DiagError,
				Summary:  "Invalid reconnect max_attempts",
				Detail:   "max_attempts must not be negative; use 0 for unlimited",
			})
		}
		r.MaxAttempts = *b.MaxAttempts
	}
	if b.Auto != nil {
		r.Auto = *b.Auto
	}

	return diags
}

func (c *Config) validate() hcl.Diagnostics {
	var diags hcl.Diagnostics

	if err := conn.NewManager().WithGatewayURL(c.GatewayURL).IsValid(); err != nil {
		diags = diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid gateway",
			Detail:   err.Error(),
		})
	}
	if c.Redis != nil && c.Redis.Addr == "" {
		diags = diags.Append(&hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Invalid redis block",
			Detail:   "addr must not be empty",
		})
	}

	return diags
}

func parseKind(s string) (wire.Kind, bool) {
	switch s {
	case "live", string(wire.KindLive):
		return wire.KindLive, true
	case "pattern", string(wire.KindPattern):
		return wire.KindPattern, true
	}
	return "", false
}

func singleBlock(name string, count int) hcl.Diagnostics {
	if count <= 1 {
		return nil
	}
	return hcl.Diagnostics{{
		Severity: hcl.DiagError,
		Summary:  "Duplicate block",
		Detail:   fmt.Sprintf("Only one %s block is allowed per file", name),
	}}
}

// unsupported reports any attribute or block the schema did not claim.
func unsupported(remain hcl.Body) hcl.Diagnostics {
	if remain == nil {
		return nil
	}
	_, diags := remain.Content(&hcl.BodySchema{})
	return diags
}
