package tenants

import (
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/tenantgate/tenantgate/pkg/observability"
)

// RejectionReason is the stable machine-readable cause of an access rejection
type RejectionReason string

const (
	ReasonTenantNotFound  RejectionReason = "tenant_not_found"
	ReasonTenantSuspended RejectionReason = "tenant_suspended"
	ReasonTenantCancelled RejectionReason = "tenant_cancelled"
	ReasonTrialExpired    RejectionReason = "trial_expired"
	ReasonIPNotAllowed    RejectionReason = "ip_not_allowed"
)

// Rejection describes why a request was denied tenant access
type Rejection struct {
	Reason     RejectionReason
	StatusCode int
	Message    string
}

// Error implements the error interface
func (r *Rejection) Error() string {
	return fmt.Sprintf("tenant access rejected (%s): %s", r.Reason, r.Message)
}

// Validator enforces tenant lifecycle and network access rules
type Validator struct {
	publicPaths map[string]struct{}
	now         func() time.Time

	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewValidator creates a tenant access validator. publicPaths are the
// endpoints reachable without a resolved tenant.
func NewValidator(publicPaths []string, logger *observability.Logger, metrics *observability.Metrics) *Validator {
	paths := make(map[string]struct{}, len(publicPaths))
	for _, p := range publicPaths {
		paths[p] = struct{}{}
	}
	return &Validator{
		publicPaths: paths,
		now:         time.Now,
		logger:      logger,
		metrics:     metrics,
	}
}

// Validate checks the resolved tenant's lifecycle state and IP allow-list.
// A nil return means the request may proceed.
func (v *Validator) Validate(tc *TenantContext, r *http.Request) *Rejection {
	rejection := v.validate(tc, r)
	if rejection != nil && v.metrics != nil {
		v.metrics.RejectionsTotal.WithLabelValues(string(rejection.Reason)).Inc()
	}
	return rejection
}

func (v *Validator) validate(tc *TenantContext, r *http.Request) *Rejection {
	if tc.ResolvedFrom == ResolvedFromSkipped {
		return nil
	}

	if !tc.Resolved() {
		if _, ok := v.publicPaths[r.URL.Path]; ok {
			return nil
		}
		return &Rejection{
			Reason:     ReasonTenantNotFound,
			StatusCode: http.StatusNotFound,
			Message:    "no tenant matched this request",
		}
	}

	tenant := tc.Tenant
	switch tenant.Status {
	case StatusSuspended:
		msg := "tenant is suspended"
		if tenant.SuspensionReason != nil {
			msg = fmt.Sprintf("tenant is suspended: %s", *tenant.SuspensionReason)
		}
		return &Rejection{
			Reason:     ReasonTenantSuspended,
			StatusCode: http.StatusForbidden,
			Message:    msg,
		}
	case StatusCancelled:
		return &Rejection{
			Reason:     ReasonTenantCancelled,
			StatusCode: http.StatusGone,
			Message:    "tenant has been cancelled",
		}
	case StatusTrial:
		if tenant.IsTrialExpired(v.now()) {
			return &Rejection{
				Reason:     ReasonTrialExpired,
				StatusCode: http.StatusPaymentRequired,
				Message:    "trial period has expired",
			}
		}
	}

	if len(tenant.AllowedIPRanges) > 0 {
		clientIP := ClientIP(r)
		if !ipAllowed(clientIP, tenant.AllowedIPRanges, v.logger) {
			return &Rejection{
				Reason:     ReasonIPNotAllowed,
				StatusCode: http.StatusForbidden,
				Message:    "client address is not in the tenant's allowed ranges",
			}
		}
	}

	return nil
}

// ClientIP extracts the client address, preferring the first entry of
// X-Forwarded-For, then X-Real-IP, then the transport peer address
func ClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// ipAllowed reports whether clientIP falls inside any of the CIDR ranges.
// Malformed ranges are skipped; an unparseable client address denies.
func ipAllowed(clientIP string, ranges []string, logger *observability.Logger) bool {
	ip := net.ParseIP(clientIP)
	if ip == nil {
		return false
	}
	for _, cidr := range ranges {
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			if logger != nil {
				logger.WithField("cidr", cidr).Warn("skipping malformed IP range")
			}
			continue
		}
		if network.Contains(ip) {
			return true
		}
	}
	return false
}
