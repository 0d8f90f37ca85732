package adapter

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/gatewarden/gatewarden/internal/policy"
	"github.com/gatewarden/gatewarden/internal/session"
)

const dnsLookupSchema = `{
  "type": "object",
  "properties": {
    "domain": {"type": "string", "minLength": 1, "description": "Domain name to resolve"},
    "record_type": {"type": "string", "enum": ["A", "AAAA", "CNAME", "MX", "NS", "TXT"], "description": "Record type, host lookup when omitted"}
  },
  "required": ["domain"],
  "additionalProperties": false
}`

type dnsLookup struct {
	base
	resolver *net.Resolver
}

func newDNSLookup(ev *policy.Evaluator) *dnsLookup {
	return &dnsLookup{
		base:     newBase("dns:lookup", "Resolve DNS records for a domain", dnsLookupSchema, ev),
		resolver: net.DefaultResolver,
	}
}

func (a *dnsLookup) Validate(input map[string]any, p *policy.Policy) policy.Evaluation {
	f := policy.ExtractFields(input)
	return a.validate(input, &f, p)
}

func (a *dnsLookup) DryRun(_ context.Context, input map[string]any, _ *ExecContext) (*DryRunResult, error) {
	return &DryRunResult{
		WouldDo: fmt.Sprintf("resolve %s records for %s", recordType(input), stringArg(input, "domain")),
	}, nil
}

func (a *dnsLookup) Execute(ctx context.Context, input map[string]any, _ *ExecContext) *session.Result {
	start := time.Now()
	domain := stringArg(input, "domain")
	rtype := recordType(input)

	records, err := a.resolve(ctx, rtype, domain)
	if err != nil {
		return failure(start, "%s lookup of %s: %v", rtype, domain, err)
	}
	return success(start, map[string]any{"domain": domain, "record_type": rtype, "records": records},
		session.Artifact{
			Type: session.ArtifactLog,
			Data: fmt.Sprintf("%s lookup of %s -> %d records", rtype, domain, len(records)),
		})
}

func (a *dnsLookup) Rollback(context.Context, map[string]any, *ExecContext) *RollbackResult {
	return readOnlyRollback(a.name)
}

func (a *dnsLookup) resolve(ctx context.Context, rtype, domain string) ([]string, error) {
	switch rtype {
	case "A", "AAAA":
		network := "ip4"
		if rtype == "AAAA" {
			network = "ip6"
		}
		ips, err := a.resolver.LookupIP(ctx, network, domain)
		if err != nil {
			return nil, err
		}
		out := make([]string, len(ips))
		for i, ip := range ips {
			out[i] = ip.String()
		}
		return out, nil
	case "CNAME":
		cname, err := a.resolver.LookupCNAME(ctx, domain)
		if err != nil {
			return nil, err
		}
		return []string{cname}, nil
	case "MX":
		mxs, err := a.resolver.LookupMX(ctx, domain)
		if err != nil {
			return nil, err
		}
		out := make([]string, len(mxs))
		for i, mx := range mxs {
			out[i] = fmt.Sprintf("%d %s", mx.Pref, mx.Host)
		}
		return out, nil
	case "NS":
		nss, err := a.resolver.LookupNS(ctx, domain)
		if err != nil {
			return nil, err
		}
		out := make([]string, len(nss))
		for i, ns := range nss {
			out[i] = ns.Host
		}
		return out, nil
	case "TXT":
		return a.resolver.LookupTXT(ctx, domain)
	default:
		return a.resolver.LookupHost(ctx, domain)
	}
}

func recordType(input map[string]any) string {
	if t := stringArg(input, "record_type"); t != "" {
		return t
	}
	return "host"
}
