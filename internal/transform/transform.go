// Package transform maps GuardDuty findings onto the flat DCR stream shape.
package transform

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/oschwald/geoip2-golang"

	"guardbridge/internal/model"
)

// timeLayout is the ISO-8601 form every emitted timestamp is normalized to.
const timeLayout = "2006-01-02T15:04:05.000Z"

// Extraction priority lists. When a destination column can be fed from more
// than one path, the first present path wins.
var (
	remoteIPPaths = []string{
		"service.action.networkConnectionAction.remoteIpDetails.ipAddressV4",
		"service.action.awsApiCallAction.remoteIpDetails.ipAddressV4",
		"service.action.kubernetesApiCallAction.remoteIpDetails.ipAddressV4",
	}
	remoteCountryPaths = []string{
		"service.action.networkConnectionAction.remoteIpDetails.country.countryName",
		"service.action.awsApiCallAction.remoteIpDetails.country.countryName",
		"service.action.kubernetesApiCallAction.remoteIpDetails.country.countryName",
	}
)

// Options configures a Transformer.
type Options struct {
	// Normalize enables nested field extraction into the optional columns.
	Normalize bool
	// GeoIPDBPath points at a MaxMind country database used to fill
	// RemoteIpCountry when the finding itself carries none. Empty disables
	// the lookup.
	GeoIPDBPath string
	// Now supplies the wall clock; tests override it.
	Now func() time.Time
}

// Transformer converts findings to records. Safe for concurrent use.
type Transformer struct {
	opts     Options
	geo      *geoip2.Reader
	dateWarn atomic.Uint64
}

// New builds a Transformer, opening the GeoIP database when configured.
func New(opts Options) (*Transformer, error) {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	t := &Transformer{opts: opts}
	if opts.GeoIPDBPath != "" {
		r, err := geoip2.Open(opts.GeoIPDBPath)
		if err != nil {
			return nil, fmt.Errorf("open geoip database: %w", err)
		}
		t.geo = r
	}
	return t, nil
}

// Close releases the GeoIP reader.
func (t *Transformer) Close() error {
	if t.geo != nil {
		return t.geo.Close()
	}
	return nil
}

// DateWarnings returns how many unparseable date strings were encountered.
func (t *Transformer) DateWarnings() uint64 { return t.dateWarn.Load() }

// Apply maps one finding to a Record. RawJson always carries the verbatim
// finding bytes; TimeGenerated falls back to the current wall clock when the
// finding carries no usable timestamp.
func (t *Transformer) Apply(f model.Finding) (model.Record, error) {
	if f.ID == "" {
		return model.Record{}, fmt.Errorf("finding has no id")
	}
	if f.Severity < 0 || f.Severity > 10 {
		return model.Record{}, fmt.Errorf("finding %s severity %.2f out of range", f.ID, f.Severity)
	}

	rec := model.Record{
		FindingId: f.ID,
		AccountId: f.AccountID,
		Region:    f.Region,
		Severity:  f.Severity,
		Type:      f.Type,
		RawJson:   string(f.Raw),
	}

	rec.TimeGenerated = t.normalizeDate(f.UpdatedAt)
	if rec.TimeGenerated == "" {
		rec.TimeGenerated = t.normalizeDate(f.CreatedAt)
	}
	if rec.TimeGenerated == "" {
		rec.TimeGenerated = t.opts.Now().UTC().Format(timeLayout)
	}

	if !t.opts.Normalize {
		return rec, nil
	}

	rec.Title = f.Title
	rec.Description = f.Description
	rec.CreatedAt = t.normalizeDate(f.CreatedAt)
	rec.UpdatedAt = t.normalizeDate(f.UpdatedAt)

	rec.Service = lookupString(f.Fields, "service.serviceName")
	rec.ResourceType = lookupString(f.Fields, "resource.resourceType")
	rec.InstanceId = lookupString(f.Fields, "resource.instanceDetails.instanceId")
	rec.ActionType = lookupString(f.Fields, "service.action.actionType")
	rec.EventFirstSeen = t.normalizeDate(lookupString(f.Fields, "service.eventFirstSeen"))
	rec.EventLastSeen = t.normalizeDate(lookupString(f.Fields, "service.eventLastSeen"))
	rec.Archived = lookupBool(f.Fields, "service.archived")
	rec.Count = lookupNumber(f.Fields, "service.count")
	rec.ThreatNames = threatNames(f.Fields)

	rec.RemoteIpAddress = firstOf(f.Fields, remoteIPPaths)
	rec.RemoteIpCountry = firstOf(f.Fields, remoteCountryPaths)
	if rec.RemoteIpCountry == "" && rec.RemoteIpAddress != "" && t.geo != nil {
		rec.RemoteIpCountry = t.countryOf(rec.RemoteIpAddress)
	}

	return rec, nil
}

// normalizeDate re-emits a date string in ISO-8601 form. Unparseable input
// yields empty string and bumps the warning counter.
func (t *Transformer) normalizeDate(s string) string {
	if s == "" {
		return ""
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC().Format(timeLayout)
		}
	}
	t.dateWarn.Add(1)
	return ""
}

func (t *Transformer) countryOf(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return ""
	}
	rec, err := t.geo.Country(parsed)
	if err != nil || rec == nil {
		return ""
	}
	return rec.Country.Names["en"]
}

// lookup walks a dot-separated path through nested JSON objects.
func lookup(fields map[string]interface{}, path string) interface{} {
	cur := interface{}(fields)
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil
		}
		cur, ok = m[part]
		if !ok {
			return nil
		}
	}
	return cur
}

func lookupString(fields map[string]interface{}, path string) string {
	s, _ := lookup(fields, path).(string)
	return s
}

func lookupBool(fields map[string]interface{}, path string) string {
	b, ok := lookup(fields, path).(bool)
	if !ok {
		return ""
	}
	return strconv.FormatBool(b)
}

func lookupNumber(fields map[string]interface{}, path string) string {
	n, ok := lookup(fields, path).(float64)
	if !ok {
		return ""
	}
	return strconv.FormatInt(int64(n), 10)
}

func firstOf(fields map[string]interface{}, paths []string) string {
	for _, p := range paths {
		if v := lookupString(fields, p); v != "" {
			return v
		}
	}
	return ""
}

// threatNames joins every threat name found in the finding's threat
// intelligence evidence.
func threatNames(fields map[string]interface{}) string {
	details, ok := lookup(fields, "service.evidence.threatIntelligenceDetails").([]interface{})
	if !ok {
		return ""
	}
	var names []string
	for _, d := range details {
		m, ok := d.(map[string]interface{})
		if !ok {
			continue
		}
		list, ok := m["threatNames"].([]interface{})
		if !ok {
			continue
		}
		for _, n := range list {
			if s, ok := n.(string); ok && s != "" {
				names = append(names, s)
			}
		}
	}
	return strings.Join(names, ",")
}
