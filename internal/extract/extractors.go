package extract

import (
	"strings"

	"relgraph/pkg/models"
)

// Relation kinds, also used as analysis type names.
const (
	KindIPIP            = "ip_ip"
	KindHostnameDomain  = "hostname_domain"
	KindHostnameCommand = "hostname_command"
	KindIPCommand       = "ip_command"
	KindUserCommand     = "user_command"
	KindUserHostname    = "user_hostname"
	KindUserIP          = "user_ip"
	KindMacIP           = "mac_ip"
	KindMacHostname     = "mac_hostname"
)

var (
	username   = trimmed(func(r *models.LogRow) string { return r.Username })
	hostname   = trimmed(func(r *models.LogRow) string { return r.Hostname })
	domain     = trimmed(func(r *models.LogRow) string { return r.Domain })
	internalIP = trimmed(func(r *models.LogRow) string { return r.InternalIP })
	externalIP = trimmed(func(r *models.LogRow) string { return r.ExternalIP })
	command    = trimmed(func(r *models.LogRow) string { return r.Command })
)

// IPToIP links an internal address to the external address it was seen with.
func IPToIP() Extractor {
	return Extractor{
		Kind:       KindIPIP,
		SourceType: models.TypeIP,
		TargetType: models.TypeIP,
		source:     internalIP,
		target: func(r *models.LogRow) string {
			ext := externalIP(r)
			if ext == internalIP(r) {
				return ""
			}
			return ext
		},
		metadata: func(latest *models.LogRow) map[string]interface{} {
			return map[string]interface{}{
				"source_ip_type": "internal",
				"target_ip_type": "external",
			}
		},
	}
}

// HostnameDomain links a host to its domain.
func HostnameDomain() Extractor {
	return Extractor{
		Kind:       KindHostnameDomain,
		SourceType: models.TypeHostname,
		TargetType: models.TypeDomain,
		source:     hostname,
		target:     domain,
		metadata: func(latest *models.LogRow) map[string]interface{} {
			host := hostname(latest)
			dom := domain(latest)
			fqdn := host
			if !strings.HasSuffix(strings.ToLower(host), "."+strings.ToLower(dom)) {
				fqdn = host + "." + dom
			}
			return map[string]interface{}{"fqdn": fqdn}
		},
	}
}

// HostnameCommand links a host to a command run on it.
func HostnameCommand() Extractor {
	return Extractor{
		Kind:       KindHostnameCommand,
		SourceType: models.TypeHostname,
		TargetType: models.TypeCommand,
		source:     hostname,
		target:     command,
		metadata: func(latest *models.LogRow) map[string]interface{} {
			return withOptional(nil, "username", username(latest))
		},
	}
}

// IPCommand links an internal address to a command run from it.
func IPCommand() Extractor {
	return Extractor{
		Kind:       KindIPCommand,
		SourceType: models.TypeIP,
		TargetType: models.TypeCommand,
		source:     internalIP,
		target:     command,
		metadata: func(latest *models.LogRow) map[string]interface{} {
			return withOptional(map[string]interface{}{"ip_type": "internal"}, "hostname", hostname(latest))
		},
	}
}

// UserCommand links a user to a command they ran.
func UserCommand() Extractor {
	return Extractor{
		Kind:       KindUserCommand,
		SourceType: models.TypeUsername,
		TargetType: models.TypeCommand,
		source:     username,
		target:     command,
		metadata: func(latest *models.LogRow) map[string]interface{} {
			return withOptional(nil, "hostname", hostname(latest))
		},
	}
}

// UserHostname links a user to a host they touched.
func UserHostname() Extractor {
	return Extractor{
		Kind:       KindUserHostname,
		SourceType: models.TypeUsername,
		TargetType: models.TypeHostname,
		source:     username,
		target:     hostname,
		metadata: func(latest *models.LogRow) map[string]interface{} {
			return withOptional(nil, "internal_ip", internalIP(latest))
		},
	}
}

// UserIP links a user to an internal address they worked from.
func UserIP() Extractor {
	return Extractor{
		Kind:       KindUserIP,
		SourceType: models.TypeUsername,
		TargetType: models.TypeIP,
		source:     username,
		target:     internalIP,
		metadata: func(latest *models.LogRow) map[string]interface{} {
			return withOptional(map[string]interface{}{"ip_type": "internal"}, "hostname", hostname(latest))
		},
	}
}

// MacIP links a MAC address to an internal address.
func MacIP() Extractor {
	return Extractor{
		Kind:       KindMacIP,
		SourceType: models.TypeMacAddress,
		TargetType: models.TypeIP,
		source:     macOf,
		target:     internalIP,
		metadata: func(latest *models.LogRow) map[string]interface{} {
			return withOptional(nil, "hostname", hostname(latest))
		},
	}
}

// MacHostname links a MAC address to a host.
func MacHostname() Extractor {
	return Extractor{
		Kind:       KindMacHostname,
		SourceType: models.TypeMacAddress,
		TargetType: models.TypeHostname,
		source:     macOf,
		target:     hostname,
		metadata: func(latest *models.LogRow) map[string]interface{} {
			return withOptional(nil, "internal_ip", internalIP(latest))
		},
	}
}

// All returns every extractor keyed by kind.
func All() map[string]Extractor {
	list := []Extractor{
		IPToIP(),
		HostnameDomain(),
		HostnameCommand(),
		IPCommand(),
		UserCommand(),
		UserHostname(),
		UserIP(),
		MacIP(),
		MacHostname(),
	}
	out := make(map[string]Extractor, len(list))
	for _, e := range list {
		out[e.Kind] = e
	}
	return out
}

func withOptional(meta map[string]interface{}, key, value string) map[string]interface{} {
	if meta == nil {
		meta = map[string]interface{}{}
	}
	if value != "" {
		meta[key] = value
	}
	return meta
}
