package services

import (
	"fmt"
	"log/slog"
	"net"

	apperrors "github.com/reglet-dev/mcphost/internal/application/errors"
	"github.com/reglet-dev/mcphost/internal/domain/capabilities"
	"github.com/reglet-dev/mcphost/internal/domain/entities"
	"github.com/reglet-dev/mcphost/internal/domain/execution"
	"github.com/reglet-dev/mcphost/internal/domain/values"
)

// Security levels for broad grants.
const (
	SecurityStrict     = "strict"
	SecurityStandard   = "standard"
	SecurityPermissive = "permissive"
)

// CapabilityGatekeeper makes every capability decision at the trust boundary:
// reviewing declared grants at load time and authorizing host-function calls.
type CapabilityGatekeeper struct {
	policy        *capabilities.Policy
	logger        *slog.Logger
	securityLevel string
}

// NewCapabilityGatekeeper creates a gatekeeper. Unknown levels behave as standard.
func NewCapabilityGatekeeper(securityLevel string, logger *slog.Logger) *CapabilityGatekeeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &CapabilityGatekeeper{
		policy:        capabilities.NewPolicy(),
		logger:        logger,
		securityLevel: securityLevel,
	}
}

// ReviewGrant applies the security level to the capabilities a declaration grants.
// Strict mode refuses broad grants; standard mode logs them.
func (g *CapabilityGatekeeper) ReviewGrant(decl *entities.PluginDeclaration) error {
	for _, capability := range decl.Grant() {
		if !capability.IsBroad() {
			continue
		}
		switch g.securityLevel {
		case SecurityStrict:
			return apperrors.NewConfigurationError(
				fmt.Sprintf("plugins.%s.runtime_config", decl.Name),
				fmt.Sprintf("broad capability %s denied by strict security policy", capability),
				nil)
		case SecurityPermissive:
		default:
			g.logger.Warn("plugin granted broad capability",
				"plugin", decl.Name.String(),
				"capability", capability.String(),
				"risk", capability.RiskLevel().String())
		}
	}
	return nil
}

// AuthorizeToolCall decides whether caller may invoke tool on target given the
// current call path. Exposure is checked before cycles.
func (g *CapabilityGatekeeper) AuthorizeToolCall(caller values.PluginName, target *entities.PluginDeclaration, tool string, cc execution.CallContext) error {
	qualified := values.Qualify(target.Name, tool).String()
	exposed := target.Grant().OfKind(capabilities.KindTool)
	if !g.policy.IsGranted(capabilities.Tool(tool), exposed) {
		return apperrors.NewNotExposedError(caller.String(), qualified)
	}
	if cc.Contains(target.Name) {
		path := cc.Enter(target.Name).PathString()
		return apperrors.NewCycleDetectedError(caller.String(), path)
	}
	return nil
}

// AuthorizeFetch decides whether caller may reach host. allowPrivate is true
// only when the literal host is granted, which is required for private addresses.
func (g *CapabilityGatekeeper) AuthorizeFetch(caller *entities.PluginDeclaration, host string) (allowPrivate bool, err error) {
	if h, _, splitErr := net.SplitHostPort(host); splitErr == nil {
		host = h
	}
	request := capabilities.Network(host)
	granted := caller.Grant().OfKind(capabilities.KindNetwork)
	if host == "" || !g.policy.IsGranted(request, granted) {
		return false, apperrors.NewHostNotAllowedError(caller.Name.String(), host)
	}
	return g.policy.IsExplicitlyGranted(request, granted), nil
}
