package sso

import (
	"time"

	"github.com/hashicorp/go-hclog"
)

// Option defines a common functional options type
type Option func(interface{})

// ApplyOpts takes a pointer to the options struct as a set of default options
// and applies the slice of opts as overrides.
func ApplyOpts(opts interface{}, opt ...Option) {
	for _, o := range opt {
		o(opts)
	}
}

// WithLogger provides an optional logger for: Service, Decoder
func WithLogger(l hclog.Logger) Option {
	return func(o interface{}) {
		switch v := o.(type) {
		case *serviceOptions:
			v.withLogger = l
		case *decoderOptions:
			v.withLogger = l
		}
	}
}

// WithIdentityCacheSize provides an optional capacity bound for the
// Service's identity cache.
func WithIdentityCacheSize(size int) Option {
	return func(o interface{}) {
		if v, ok := o.(*serviceOptions); ok {
			v.withCacheSize = size
		}
	}
}

// WithIdentityCacheTTL provides an optional time-to-live for the Service's
// identity cache entries.
func WithIdentityCacheTTL(ttl time.Duration) Option {
	return func(o interface{}) {
		if v, ok := o.(*serviceOptions); ok {
			v.withCacheTTL = ttl
		}
	}
}

// WithOrganizationDirectory provides the directory SyncGroups reconciles
// provider groups against.  Required when Config.OrganizationInvites is set.
func WithOrganizationDirectory(dir OrganizationDirectory) Option {
	return func(o interface{}) {
		if v, ok := o.(*serviceOptions); ok {
			v.withOrganizations = dir
		}
	}
}

// serviceOptions is the set of available options for Service functions
type serviceOptions struct {
	withLogger        hclog.Logger
	withCacheSize     int
	withCacheTTL      time.Duration
	withOrganizations OrganizationDirectory
}

// serviceDefaults is a handy way to get the defaults at runtime and during
// unit tests.
func serviceDefaults() serviceOptions {
	return serviceOptions{
		withCacheSize: DefaultIdentityCacheSize,
		withCacheTTL:  DefaultIdentityCacheTTL,
	}
}

// getServiceOpts gets the service defaults and applies the opt overrides
// passed in.
func getServiceOpts(opt ...Option) serviceOptions {
	opts := serviceDefaults()
	ApplyOpts(&opts, opt...)
	return opts
}

// decoderOptions is the set of available options for Decoder functions
type decoderOptions struct {
	withLogger hclog.Logger
}

// getDecoderOpts gets the decoder defaults and applies the opt overrides
// passed in.
func getDecoderOpts(opt ...Option) decoderOptions {
	opts := decoderOptions{}
	ApplyOpts(&opts, opt...)
	return opts
}
