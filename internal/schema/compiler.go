package schema

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	js "github.com/santhosh-tekuri/jsonschema/v5"
)

// Compiler compiles JSON schemas once and keeps them in an expiring LRU.
type Compiler struct {
	mu           sync.Mutex
	compiler     *js.Compiler
	cache        *expirable.LRU[string, *js.Schema]
	refAllowlist []string // Allowed URL patterns for $ref resolution
}

// NewCompilerWithCache caches up to maxSize compiled schemas for an hour
func NewCompilerWithCache(maxSize int) *Compiler {
	return NewCompilerWithCacheAndAllowlist(maxSize, nil)
}

// NewCompilerWithCacheAndAllowlist also rejects schemas whose $ref points outside
// allowlist (entries ending in * match by prefix). An empty allowlist allows any ref.
func NewCompilerWithCacheAndAllowlist(maxSize int, allowlist []string) *Compiler {
	c := js.NewCompiler()
	c.ExtractAnnotations = true

	return &Compiler{
		compiler:     c,
		cache:        expirable.NewLRU[string, *js.Schema](maxSize, nil, time.Hour),
		refAllowlist: allowlist,
	}
}

// matchesPattern checks if a URL matches an allowlist pattern: exact,
// trailing-* prefix, or same host.
func matchesPattern(urlStr, pattern string) bool {
	if urlStr == pattern {
		return true
	}

	if strings.HasSuffix(pattern, "*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(urlStr, prefix)
	}

	u1, err1 := url.Parse(urlStr)
	u2, err2 := url.Parse(pattern)
	if err1 == nil && err2 == nil && u1.Host != "" {
		return u1.Host == u2.Host
	}

	return false
}

func (c *Compiler) key(schemaBytes []byte) string {
	sum := sha256.Sum256(schemaBytes)
	return hex.EncodeToString(sum[:])
}

// Prepare compiles and caches a schema, returning the compiled form
func (c *Compiler) Prepare(ctx context.Context, schema map[string]interface{}) (*js.Schema, error) {
	schemaBytes, err := json.Marshal(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema: %w", err)
	}

	key := c.key(schemaBytes)
	if compiled, ok := c.cache.Get(key); ok {
		return compiled, nil
	}

	if len(c.refAllowlist) > 0 {
		if err := c.validateRefs(schema); err != nil {
			return nil, fmt.Errorf("$ref validation failed: %w", err)
		}
	}

	// The compiler keeps resources by URL and is not safe for concurrent use
	c.mu.Lock()
	defer c.mu.Unlock()
	if compiled, ok := c.cache.Get(key); ok {
		return compiled, nil
	}

	resourceURL := fmt.Sprintf("mem://schema/%s.json", key[:16])
	if err := c.compiler.AddResource(resourceURL, bytes.NewReader(schemaBytes)); err != nil {
		return nil, fmt.Errorf("failed to add resource: %w", err)
	}

	compiled, err := c.compiler.Compile(resourceURL)
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	c.cache.Add(key, compiled)
	return compiled, nil
}

func (c *Compiler) validateRefs(schema interface{}) error {
	switch v := schema.(type) {
	case map[string]interface{}:
		if ref, ok := v["$ref"].(string); ok {
			if !strings.HasPrefix(ref, "#") && !c.isRefAllowed(ref) {
				return fmt.Errorf("$ref URL not allowed: %s (not in allowlist)", ref)
			}
		}
		for _, val := range v {
			if err := c.validateRefs(val); err != nil {
				return err
			}
		}
	case []interface{}:
		for _, item := range v {
			if err := c.validateRefs(item); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Compiler) isRefAllowed(refURL string) bool {
	if len(c.refAllowlist) == 0 {
		return true
	}
	for _, pattern := range c.refAllowlist {
		if matchesPattern(refURL, pattern) {
			return true
		}
	}
	return false
}

// Violation is the first leaf failure of a schema validation
type Violation struct {
	Field  string
	Detail string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("%s: %s", v.Field, v.Detail)
}

// Validate checks raw JSON against a schema. Schema failures come back as *Violation.
func (c *Compiler) Validate(ctx context.Context, schema map[string]interface{}, raw json.RawMessage) error {
	compiled, err := c.Prepare(ctx, schema)
	if err != nil {
		return err
	}

	var value interface{}
	if err := json.Unmarshal(raw, &value); err != nil {
		return &Violation{Field: "$", Detail: "value is not valid JSON"}
	}

	if err := compiled.Validate(value); err != nil {
		var ve *js.ValidationError
		if errors.As(err, &ve) {
			return leafViolation(ve)
		}
		return fmt.Errorf("validation failed: %w", err)
	}

	return nil
}

func leafViolation(ve *js.ValidationError) *Violation {
	for len(ve.Causes) > 0 {
		ve = ve.Causes[0]
	}
	field := strings.TrimPrefix(ve.InstanceLocation, "/")
	field = strings.ReplaceAll(field, "/", ".")
	if field == "" {
		field = "$"
	}
	return &Violation{Field: field, Detail: ve.Message}
}
