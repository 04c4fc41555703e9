package cachekey

import (
	"fmt"
	"net/http"
	"strings"
)

const (
	partitionSeparator = ":"
	methodSeparator    = ":"
	varySeparator      = "\t"
	varyWildcard       = "*"
)

type CacheKeyer struct {
	// Name of the cache partition the keys belong to.
	Partition string
	// Cache key prefix for this partition
	PartitionPrefix string
}

func NewCacheKeyer(partition string) CacheKeyer {
	return CacheKeyer{
		Partition:       partition,
		PartitionPrefix: partition + partitionSeparator,
	}
}

// GetKeyPrefix returns the cache key for a request without the vary headers (i.e. a key prefix).
// The returned key is suitable for finding all stored response variants for a particular request.
// The URL fragment is never part of the key.
func (c CacheKeyer) GetKeyPrefix(r *http.Request) string {
	return c.PartitionPrefix + r.Method + methodSeparator + r.URL.RequestURI() + varySeparator
}

// AddVaryKeys returns the full cache key (including vary headers) based on a previously generated
// cache key prefix and the request and response involved.
// Every field named by the response Vary header is recorded, absent ones with an empty value.
func (c CacheKeyer) AddVaryKeys(prefix string, req *http.Request, res *http.Response) string {
	key := prefix
	for _, name := range GetListHeader(res.Header, "Vary") {
		if name == varyWildcard {
			key = key + "\n" + varyWildcard + ": "
			continue
		}
		key = key + "\n" + strings.ToLower(name) + ": " + req.Header.Get(name)
	}
	return key
}

// VaryMatches reports whether the request carries the same values for the vary headers recorded in the key.
// A key recorded with `Vary: *` never matches.
func (c CacheKeyer) VaryMatches(key string, r *http.Request) bool {
	lines := strings.Split(key, "\n")
	for i := 1; i < len(lines); i++ {
		name, value, _ := strings.Cut(lines[i], ": ")
		if name == varyWildcard {
			return false
		}
		if r.Header.Get(name) != value {
			return false
		}
	}
	return true
}

// GetRequestFromKey generates a caching-wise equal request than the request that resulted in the
// provided key. This means it takes vary headers into account.
// It returns an error if the request cannot for some reason be deducted.
func (c CacheKeyer) GetRequestFromKey(key string) (*http.Request, error) {
	if !strings.HasPrefix(key, c.PartitionPrefix) {
		return nil, fmt.Errorf("Key and partition do not match")
	}
	keyNoPartition := strings.TrimPrefix(key, c.PartitionPrefix)
	keyNoVary, _, found := strings.Cut(keyNoPartition, varySeparator)
	if !found {
		return nil, fmt.Errorf("Malformed key: %s", key)
	}
	method, uri, found := strings.Cut(keyNoVary, methodSeparator)
	if !found {
		return nil, fmt.Errorf("Malformed key: %s", key)
	}
	req, err := http.NewRequest(method, uri, nil)
	if err != nil {
		return req, err
	}
	req.Header = c.GetVaryHeaders(key)
	return req, nil
}

// GetVaryHeaders creates a http.Header instance containing all the vary keys included in a key.
func (c CacheKeyer) GetVaryHeaders(key string) http.Header {
	header := make(http.Header)
	lines := strings.Split(key, "\n")
	for i := 1; i < len(lines); i++ {
		name, value, _ := strings.Cut(lines[i], ": ")
		if name == varyWildcard {
			continue
		}
		header.Add(name, value)
	}
	return header
}

// GetListHeader returns the comma-separated members of all field lines with the given name.
// Empty members are dropped.
func GetListHeader(header http.Header, field string) []string {
	members := make([]string, 0)
	for _, line := range header.Values(field) {
		for _, member := range strings.Split(line, ",") {
			if m := strings.TrimSpace(member); m != "" {
				members = append(members, m)
			}
		}
	}
	return members
}
