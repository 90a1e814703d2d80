package common

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/colock/colock/lib/lease"
)

// --------------------------------------------------------------------------
// RPC server configuration struct
// --------------------------------------------------------------------------

// StoreBackend selects which store implementation backs the lease state.
type StoreBackend string

const (
	StoreBackendMemory StoreBackend = "mem"
	StoreBackendRedis  StoreBackend = "redis"
)

// CollectionConfig holds per-collection overrides.
type CollectionConfig struct {
	// LeaseMinutes overrides the default lease window for the collection
	// (0 = use the server default).
	LeaseMinutes int
}

// ServerConfig holds all configuration parameters for the lock server.
type ServerConfig struct {
	// HTTP api settings
	Endpoint string

	// Store parameters
	StoreBackend StoreBackend
	RedisAddr    string
	RedisDB      int

	// Lease parameters
	DefaultLeaseMinutes   int
	AllowSameUserTransfer bool
	Collections           map[string]CollectionConfig

	// Background expiry sweep (0 = disabled)
	SweepIntervalMinutes  int
	SweepOlderThanMinutes int

	// AdminToken guards forceUnlock and sweep ("" = admin ops disabled)
	AdminToken string

	// Request handling
	TimeoutSecond int64
	// RateLimitPerMinute caps requests per user (0 = unlimited)
	RateLimitPerMinute int

	// Logging configuration
	LogLevel string
}

// LeaseMinutes returns the lease window for a collection, falling back to
// the server default.
func (c *ServerConfig) LeaseMinutes(collection string) int {
	if cc, ok := c.Collections[collection]; ok && cc.LeaseMinutes > 0 {
		return cc.LeaseMinutes
	}
	if c.DefaultLeaseMinutes > 0 {
		return c.DefaultLeaseMinutes
	}
	return lease.DefaultLeaseMinutes
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// RPC settings
	addSection("Lock Server")
	addField("Endpoint", c.Endpoint)
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Admin Ops", fmt.Sprintf("%t", c.AdminToken != ""))
	if c.RateLimitPerMinute > 0 {
		addField("Rate Limit", fmt.Sprintf("%d req/min per user", c.RateLimitPerMinute))
	} else {
		addField("Rate Limit", "unlimited")
	}

	// Store settings
	addSection("Store")
	addField("Backend", string(c.StoreBackend))
	if c.StoreBackend == StoreBackendRedis {
		addField("Redis Address", c.RedisAddr)
		addField("Redis DB", strconv.Itoa(c.RedisDB))
	}

	// Lease settings
	addSection("Leases")
	addField("Default Window", fmt.Sprintf("%d min", c.LeaseMinutes("")))
	addField("Same-User Transfer", fmt.Sprintf("%t", c.AllowSameUserTransfer))
	if c.SweepIntervalMinutes > 0 {
		addField("Sweep Interval", fmt.Sprintf("%d min", c.SweepIntervalMinutes))
		addField("Sweep Older Than", fmt.Sprintf("%d min", c.SweepOlderThanMinutes))
	} else {
		addField("Sweep", "disabled")
	}

	// Per-collection overrides
	if len(c.Collections) > 0 {
		addSection("Collections")

		// Sort keys for consistent output
		var keys []string
		for k := range c.Collections {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, k := range keys {
			addField(k, fmt.Sprintf("%d min", c.LeaseMinutes(k)))
		}
	}

	// Logging configuration
	addSection("Logging")
	addField("Log Level", c.LogLevel)

	return sb.String()
}

// --------------------------------------------------------------------------
// RPC client configuration struct
// --------------------------------------------------------------------------

// ClientConfig holds everything a lock client needs: where the servers
// are and who the caller is.
type ClientConfig struct {
	Endpoints              []string
	TimeoutSecond          int
	RetryCount             int
	ConnectionsPerEndpoint int

	// Caller identity, sent with every request
	UserID      string
	TabID       string
	DisplayName string
	Contact     string

	// AdminToken unlocks forceUnlock and sweep ("" = regular client)
	AdminToken string
}

// Requester converts the configured identity into a lease requester.
func (c *ClientConfig) Requester() lease.Requester {
	return lease.Requester{
		UserID:      c.UserID,
		TabID:       c.TabID,
		DisplayName: c.DisplayName,
		Contact:     c.Contact,
	}
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	// Create helper functions for consistent formatting
	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	// General Client Settings
	addSection("Client Configuration")
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Retry Count", strconv.Itoa(c.RetryCount))
	addField("Connections Per Endpoint", strconv.Itoa(max(1, c.ConnectionsPerEndpoint)))

	// Identity
	addSection("Identity")
	addField("User", c.UserID)
	addField("Tab", c.TabID)
	if c.DisplayName != "" {
		addField("Display Name", c.DisplayName)
	}
	addField("Admin", fmt.Sprintf("%t", c.AdminToken != ""))

	// Endpoints
	addSection("Endpoints")
	for i, endpoint := range c.Endpoints {
		addField(strconv.Itoa(i), endpoint)
	}

	return sb.String()
}
