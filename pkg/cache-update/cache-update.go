package cacheupdate

import (
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// CacheUpdate represents a single `Cache-Update` entry.
type CacheUpdate struct {
	// Fully resolved relative path to the resource, including the query.
	// Equivalent to `url.URL.RequestURI()`.
	Path string
	// Update delay, i.e. delay update by this duration.
	Delay time.Duration
}

var delayRegexp = regexp.MustCompile(`(?i)\bdelay=(\d+)`)

// GetCacheUpdates gets the updates requested by the response to a write request.
// Responses to safe methods and unsuccessful responses never trigger updates.
// The incoming request is used in order to resolve potentially relative update paths;
// updates pointing to another host are ignored.
func GetCacheUpdates(req *http.Request, status int, header http.Header) []CacheUpdate {
	if !unsafeRequest(req) || status < 200 || status > 299 {
		return nil
	}
	updates := make([]CacheUpdate, 0)
	for _, update := range header.Values("Cache-Update") {
		// path is the first element
		path := strings.TrimSpace(strings.Split(update, ";")[0])
		if path == "" {
			continue
		}
		u, err := getURL(req, path)
		if err != nil || (u.Host != "" && u.Host != req.URL.Host) {
			continue
		}
		updates = append(updates, CacheUpdate{
			Path:  u.RequestURI(),
			Delay: getDelay(update),
		})
	}
	return updates
}

func unsafeRequest(req *http.Request) bool {
	switch req.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions, http.MethodTrace:
		return false
	}
	return true
}

// getURL resolves the (possibly relative) update location against the request URL.
func getURL(r *http.Request, location string) (*url.URL, error) {
	ref, err := url.Parse(location)
	if err != nil {
		return nil, err
	}
	return r.URL.ResolveReference(ref), nil
}

// getDelay returns the delay to wait before updating the cache for from the `Cache-Update` header parameter.
// The delay directive syntax is `delay=N`, where N is the number of seconds to wait.
// Directives are separated by a semicolon.
// If no delay directive is found, it returns 0.
func getDelay(update string) time.Duration {
	if matches := delayRegexp.FindStringSubmatch(update); matches != nil {
		if delay, err := strconv.Atoi(matches[1]); err == nil {
			return time.Duration(delay) * time.Second
		}
	}
	return 0
}
