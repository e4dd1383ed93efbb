// Package exposition renders collected tokens as a Prometheus text document.
package exposition

import (
	"bytes"
	"errors"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"go.uber.org/zap"

	"tokenexporter.org/internal/obs"
	"tokenexporter.org/internal/token"
)

const (
	metricPrefix = "gitlab_token_"
	helpText     = "Gitlab token"
	dateLayout   = "2006-01-02"

	secondsPerDay = 24 * 60 * 60
)

var inf = math.Inf(1)

var (
	errNoName      = errors.New("token has no name")
	errBadExpiry   = errors.New("unparsable expires_at")
	errDuplicateID = errors.New("duplicate series")
)

// Options tunes a Builder.
type Options struct {
	SkipNonExpiring bool
	// Now defaults to time.Now.
	Now    func() time.Time
	Logger *zap.SugaredLogger
}

// Builder turns tokens into gauges, one per token, valued with the number of
// days left before expiry. It never fails: bad tokens are logged and skipped.
type Builder struct {
	skipNonExpiring bool
	now             func() time.Time
	log             *zap.SugaredLogger
}

func New(opts Options) *Builder {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop().Sugar()
	}
	return &Builder{
		skipNonExpiring: opts.SkipNonExpiring,
		now:             opts.Now,
		log:             opts.Logger.Named("exposition"),
	}
}

// MetricName returns gitlab_token_<path>_<name> with every character outside
// [a-zA-Z0-9_:] replaced by an underscore.
func MetricName(path, name string) string {
	return Normalize(metricPrefix + path + "_" + name)
}

// Normalize maps each disallowed character to '_' one for one.
func Normalize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == ':':
			return r
		default:
			return '_'
		}
	}, s)
}

// DaysUntil is the signed number of calendar days (UTC) from now to expiry.
// Both ends are UTC midnights, so the difference in seconds is a whole number
// of days for any representable date.
func DaysUntil(expiry, now time.Time) int {
	return int((civil(expiry).Unix() - civil(now).Unix()) / secondsPerDay)
}

func civil(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Build renders tokens. Output is sorted by metric name then labels, so the
// same tokens and clock always give the same bytes.
func (b *Builder) Build(tokens []token.Token) string {
	now := b.now()
	families := map[string]*dto.MetricFamily{}
	seen := map[string]struct{}{}

	for _, t := range tokens {
		m, name, err := b.metric(t, now)
		if err != nil {
			b.skip(t, err)
			continue
		}
		if m == nil {
			continue
		}
		id := name + "|" + labelKey(m)
		if _, dup := seen[id]; dup {
			b.skip(t, errDuplicateID)
			continue
		}
		seen[id] = struct{}{}

		mf, ok := families[name]
		if !ok {
			mf = &dto.MetricFamily{
				Name: ptr(name),
				Help: ptr(helpText),
				Type: dto.MetricType_GAUGE.Enum(),
			}
			families[name] = mf
		}
		mf.Metric = append(mf.Metric, m)
	}

	names := make([]string, 0, len(families))
	for n := range families {
		names = append(names, n)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	for _, n := range names {
		mf := families[n]
		sort.Slice(mf.Metric, func(i, j int) bool { return labelKey(mf.Metric[i]) < labelKey(mf.Metric[j]) })
		if _, err := expfmt.MetricFamilyToText(&buf, mf); err != nil {
			b.log.Errorw("render metric family", "name", n, "error", err)
		}
	}
	return buf.String()
}

// metric returns (nil, "", nil) for a token intentionally left out.
func (b *Builder) metric(t token.Token, now time.Time) (*dto.Metric, string, error) {
	if strings.TrimSpace(t.Name) == "" {
		return nil, "", errNoName
	}

	value := inf
	expiresAt := ""
	if t.HasExpiry() {
		exp, err := time.Parse(dateLayout, strings.TrimSpace(t.ExpiresAt))
		if err != nil {
			return nil, "", errBadExpiry
		}
		value = float64(DaysUntil(exp, now))
		expiresAt = exp.Format(dateLayout)
	} else if b.skipNonExpiring {
		obs.TokenSkipped("non_expiring")
		return nil, "", nil
	}

	labels := prometheus.Labels{
		"token_kind": t.Kind.String(),
		"path":       t.Path,
		"token_name": t.Name,
		"active":     strconv.FormatBool(t.Active),
		"revoked":    strconv.FormatBool(t.Revoked),
		"scopes":     t.ScopeList(),
		"web_url":    t.WebURL,
	}
	if t.Kind != token.PersonalAccessToken {
		labels["access_level"] = t.AccessLevel.String()
	}
	if expiresAt != "" {
		labels["expires_at"] = expiresAt
	}

	name := MetricName(t.Path, t.Name)
	desc := prometheus.NewDesc(name, helpText, nil, labels)
	cm, err := prometheus.NewConstMetric(desc, prometheus.GaugeValue, value)
	if err != nil {
		return nil, "", err
	}
	var m dto.Metric
	if err := cm.Write(&m); err != nil {
		return nil, "", err
	}
	return &m, name, nil
}

func (b *Builder) skip(t token.Token, err error) {
	reason := "invalid"
	switch {
	case errors.Is(err, errNoName):
		reason = "missing_name"
	case errors.Is(err, errBadExpiry):
		reason = "bad_expiry"
	case errors.Is(err, errDuplicateID):
		reason = "duplicate"
	}
	obs.TokenSkipped(reason)
	b.log.Warnw("skipping token",
		"token_id", t.ID, "token_kind", t.Kind.String(), "path", t.Path,
		"expires_at", t.ExpiresAt, "reason", reason, "error", err)
}

func labelKey(m *dto.Metric) string {
	var sb strings.Builder
	for _, lp := range m.GetLabel() {
		sb.WriteString(lp.GetName())
		sb.WriteByte('=')
		sb.WriteString(lp.GetValue())
		sb.WriteByte(0)
	}
	return sb.String()
}

func ptr[T any](v T) *T { return &v }
