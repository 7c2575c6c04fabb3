package graph

import "fmt"

// BuildMigration constructs an edge from a request.
//
// With no related object the edge keeps the request's identifier and resolver
// on the related side. Otherwise the related object is wired in: as the source
// for DirectionFrom and as the result for DirectionTo. Info longer than
// MaxInfoLength is truncated.
func BuildMigration(req MigrationRequest, dir Direction, related *DigitalObject) (*Migration, error) {
	if err := req.Kind.Validate(); err != nil {
		return nil, err
	}

	m := &Migration{
		Kind: req.Kind,
		Date: req.Date,
		Info: TruncateInfo(req.Info),
	}

	switch dir {
	case DirectionFrom:
		if related == nil {
			m.SourceIdentifier = req.Identifier
			m.SourceResolver = req.Resolver
			return m, nil
		}
		if err := related.AddDerivative(m); err != nil {
			return nil, err
		}
	case DirectionTo:
		if related == nil {
			m.ResultIdentifier = req.Identifier
			m.ResultResolver = req.Resolver
			return m, nil
		}
		if err := related.AddSource(m); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("invalid migration direction: %q", string(dir))
	}

	return m, nil
}

// TruncateInfo cuts s to MaxInfoLength characters.
func TruncateInfo(s string) string {
	r := []rune(s)
	if len(r) <= MaxInfoLength {
		return s
	}
	return string(r[:MaxInfoLength])
}
