package router

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"

	"github.com/nextlevelbuilder/quorum/internal/action"
	"github.com/nextlevelbuilder/quorum/internal/budget"
	"github.com/nextlevelbuilder/quorum/internal/mcp"
	"github.com/nextlevelbuilder/quorum/internal/providers"
	"github.com/nextlevelbuilder/quorum/internal/secrets"
)

// Router failure taxonomy. Tree-authority failures live here too so
// the lifecycle controller and the router surface one vocabulary.
var (
	ErrRequestTimeout      = errors.New("request_timeout")
	ErrConnectionRefused   = errors.New("connection_refused")
	ErrRequestFailed       = errors.New("request_failed")
	ErrResponseTooLarge    = errors.New("response_too_large")
	ErrEndpointUnreachable = errors.New("endpoint_unreachable")
	ErrInvalidWorkingDir   = errors.New("invalid_working_dir")
	ErrInvalidMode         = errors.New("invalid_mode")
	ErrRouterExit          = errors.New("router_exit")
	ErrUnknownCommand      = errors.New("unknown_command_id")

	ErrNotParent       = errors.New("not_parent")
	ErrNotDirectChild  = errors.New("not_direct_child")
	ErrParentDismissing = errors.New("parent_dismissing")
	ErrAgentNotFound   = errors.New("agent_not_found")
)

// failureCodes maps sentinels to their wire codes in check order.
var failureCodes = []struct {
	err  error
	code string
}{
	{action.ErrUnknownAction, "unknown_action"},
	{action.ErrMissingParam, "missing_required_param"},
	{action.ErrXORViolation, "xor_violation"},
	{action.ErrInvalidParam, "invalid_param"},
	{action.ErrNestedBatch, "nested_batch"},
	{budget.ErrInsufficientBudget, "insufficient_budget"},
	{budget.ErrInsufficientParentBudget, "insufficient_parent_budget"},
	{budget.ErrBudgetRequired, "budget_required"},
	{budget.ErrBelowChildCommitment, "below_child_commitment"},
	{providers.ErrAuthenticationFailed, "authentication_failed"},
	{providers.ErrRateLimited, "rate_limit_exceeded"},
	{providers.ErrServiceUnavailable, "service_unavailable"},
	{secrets.ErrSecretMissing, "secret_not_found"},
	{secrets.ErrVaultDisabled, "secrets_disabled"},
	{mcp.ErrUnknownConnection, "unknown_connection_id"},
	{mcp.ErrUnknownServer, "unknown_mcp_server"},
	{ErrRequestTimeout, "request_timeout"},
	{ErrConnectionRefused, "connection_refused"},
	{ErrResponseTooLarge, "response_too_large"},
	{ErrEndpointUnreachable, "endpoint_unreachable"},
	{ErrInvalidWorkingDir, "invalid_working_dir"},
	{ErrInvalidMode, "invalid_mode"},
	{ErrRouterExit, "router_exit"},
	{ErrUnknownCommand, "unknown_command_id"},
	{ErrNotParent, "not_parent"},
	{ErrNotDirectChild, "not_direct_child"},
	{ErrParentDismissing, "parent_dismissing"},
	{ErrAgentNotFound, "agent_not_found"},
	{ErrRequestFailed, "request_failed"},
}

// FailureCode classifies an error into the router taxonomy.
func FailureCode(err error) string {
	for _, fc := range failureCodes {
		if errors.Is(err, fc.err) {
			return fc.code
		}
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "request_timeout"
	case errors.Is(err, syscall.ECONNREFUSED):
		return "connection_refused"
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return "request_timeout"
		}
		return "endpoint_unreachable"
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return "endpoint_unreachable"
	}
	if strings.Contains(err.Error(), "connection refused") {
		return "connection_refused"
	}
	return "request_failed"
}
