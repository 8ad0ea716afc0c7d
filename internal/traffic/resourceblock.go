package traffic

import (
	"net/url"
	"regexp"
	"strings"
	"sync/atomic"
)

// blockedHosts is a static high-traffic blocklist of analytics, ads,
// and social-widget domains whose requests carry no product data and
// are dropped outright to save bandwidth.
var blockedHosts = map[string]bool{
	"google-analytics.com": true, "googletagmanager.com": true,
	"doubleclick.net": true, "googlesyndication.com": true,
	"facebook.com": true, "connect.facebook.net": true,
	"hotjar.com": true, "fullstory.com": true,
	"segment.io": true, "segment.com": true,
	"mixpanel.com": true, "amplitude.com": true,
	"criteo.com": true, "adroll.com": true,
	"taboola.com": true, "outbrain.com": true,
	"newrelic.com": true, "nr-data.net": true,
	"sentry.io": true, "bugsnag.com": true,
	"clarity.ms": true, "hotjar.io": true,
	"intercom.io": true, "intercomcdn.com": true,
	"zendesk.com": true, "zdassets.com": true,
	"onesignal.com": true, "pushwoosh.com": true,
	"yandex.ru": true, "metrika.yandex.ru": true,
	"bing.com": true, "ads.linkedin.com": true,
	"twitter.com": true, "ads-twitter.com": true,
	"pinterest.com": true, "ct.pinterest.com": true,
}

var blockedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i).*analytics.*`),
	regexp.MustCompile(`(?i).*doubleclick.*`),
	regexp.MustCompile(`(?i).*adservice.*`),
	regexp.MustCompile(`(?i).*/ads/.*`),
	regexp.MustCompile(`(?i).*tracker.*`),
	regexp.MustCompile(`(?i).*beacon.*`),
	regexp.MustCompile(`(?i).*pixel\.gif.*`),
}

// ResourceType is a coarse browser resource category used to decide
// per-type blocking under a saver profile.
type ResourceType string

const (
	ResourceImage  ResourceType = "image"
	ResourceScript ResourceType = "script"
	ResourceFont   ResourceType = "font"
	ResourceMedia  ResourceType = "media"
	ResourceOther  ResourceType = "other"
)

// bytesSavedEstimate holds conservative per-type byte-savings
// constants used for the saver profile's running total.
var bytesSavedEstimate = map[ResourceType]int64{
	ResourceImage:  180_000,
	ResourceScript: 45_000,
	ResourceFont:   70_000,
	ResourceMedia:  900_000,
	ResourceOther:  5_000,
}

// SaverProfile selects which resource types are dropped, independent
// of the static host/pattern blocklist which always applies.
type SaverProfile struct {
	BlockImages  bool
	BlockScripts bool
	BlockFonts   bool
	BlockMedia   bool
}

// AggressiveSaverProfile blocks every non-essential resource type.
func AggressiveSaverProfile() SaverProfile {
	return SaverProfile{BlockImages: true, BlockScripts: true, BlockFonts: true, BlockMedia: true}
}

// ResourcePolicy evaluates the per-request resource blocking rule and
// tracks a running estimate of bytes saved.
type ResourcePolicy struct {
	profile    SaverProfile
	bytesSaved int64
}

// NewResourcePolicy builds a ResourcePolicy under the given profile.
func NewResourcePolicy(profile SaverProfile) *ResourcePolicy {
	return &ResourcePolicy{profile: profile}
}

// ShouldBlock reports whether the request to rawURL of the given
// resource type should be dropped, and accumulates the byte-savings
// estimate when it is.
func (p *ResourcePolicy) ShouldBlock(rawURL string, resourceType ResourceType) bool {
	if isHostBlocked(rawURL) || isPatternBlocked(rawURL) {
		atomic.AddInt64(&p.bytesSaved, bytesSavedEstimate[resourceType])
		return true
	}
	if p.blockedByProfile(resourceType) {
		atomic.AddInt64(&p.bytesSaved, bytesSavedEstimate[resourceType])
		return true
	}
	return false
}

func (p *ResourcePolicy) blockedByProfile(rt ResourceType) bool {
	switch rt {
	case ResourceImage:
		return p.profile.BlockImages
	case ResourceScript:
		return p.profile.BlockScripts
	case ResourceFont:
		return p.profile.BlockFonts
	case ResourceMedia:
		return p.profile.BlockMedia
	default:
		return false
	}
}

// BytesSaved returns the running estimate of bytes saved by blocking.
func (p *ResourcePolicy) BytesSaved() int64 {
	return atomic.LoadInt64(&p.bytesSaved)
}

func isHostBlocked(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	if blockedHosts[host] {
		return true
	}
	for h := range blockedHosts {
		if strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}

func isPatternBlocked(rawURL string) bool {
	for _, re := range blockedPatterns {
		if re.MatchString(rawURL) {
			return true
		}
	}
	return false
}
