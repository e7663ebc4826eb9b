package cachekey

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var ErrorMethodNotSupported = errors.New("method not supported")

const (
	originSeparator = " "
	methodSeparator = " "
)

type CacheKeyer struct {
	// Unique identifier for the origin.
	// Usually this should be the app origin, e.g. https://app.bau-structura.de
	OriginId string
	// Cache key prefix for this origin
	OriginPrefix string
}

func NewCacheKeyer(originId string) CacheKeyer {
	originId = strings.TrimSuffix(originId, "/")
	return CacheKeyer{
		OriginId:     originId,
		OriginPrefix: originId + originSeparator,
	}
}

// GetKey returns the cache key for a request, i.e. its (same-origin) URL.
// Only GET responses are stored, so other methods return ErrorMethodNotSupported.
func (c CacheKeyer) GetKey(r *http.Request) (string, error) {
	if r.Method != http.MethodGet {
		return "", ErrorMethodNotSupported
	}
	return c.PathKey(r.URL.RequestURI()), nil
}

// PathKey returns the cache key for a GET of the given root-relative path.
func (c CacheKeyer) PathKey(uri string) string {
	return c.OriginPrefix + http.MethodGet + methodSeparator + uri
}

// GetRequestFromKey generates a request equal to the one that resulted in the provided key.
// The URL of the returned request is relative to the origin.
func (c CacheKeyer) GetRequestFromKey(key string) (*http.Request, error) {
	if !strings.HasPrefix(key, c.OriginPrefix) {
		return nil, fmt.Errorf("key and origin do not match: %s", key)
	}
	keyNoOrigin := strings.TrimPrefix(key, c.OriginPrefix)
	method, uri, found := strings.Cut(keyNoOrigin, methodSeparator)
	if !found || uri == "" {
		return nil, fmt.Errorf("malformed key: %s", key)
	}
	if method != http.MethodGet {
		return nil, ErrorMethodNotSupported
	}
	return http.NewRequest(method, uri, nil)
}
