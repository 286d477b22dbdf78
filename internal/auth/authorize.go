package auth

import "context"

// Authorize checks that the principal of the current unit of work holds
// at least required in orgID. On success it returns the matching
// authority so callers can read the member id without a second lookup.
func Authorize(ctx context.Context, orgID int64, required Role) (OrgAuthority, error) {
	principal, ok := PrincipalFromContext(ctx)
	if !ok {
		return OrgAuthority{}, newError(KindUnauthenticated, ReasonNoPrincipal, nil)
	}
	if orgID <= 0 {
		return OrgAuthority{}, newError(KindForbidden, ReasonNoOrgContext, nil)
	}
	authority, ok := principal.Authority(orgID)
	if !ok {
		return OrgAuthority{}, newError(KindForbidden, ReasonNotMember, nil)
	}
	if !Satisfies(authority.Role, required) {
		return OrgAuthority{}, newError(KindForbidden, ReasonInsufficientRole, nil)
	}
	return authority, nil
}

// Operation is a protected unit of business logic.
type Operation[Req, Resp any] func(ctx context.Context, req Req) (Resp, error)

// Protect wraps op so that it only runs when the caller holds required in
// the organization orgIDOf selects from the request. A denied call
// returns before op is entered.
func Protect[Req, Resp any](required Role, orgIDOf func(Req) int64, op Operation[Req, Resp]) Operation[Req, Resp] {
	return func(ctx context.Context, req Req) (Resp, error) {
		if _, err := Authorize(ctx, orgIDOf(req), required); err != nil {
			var zero Resp
			return zero, err
		}
		return op(ctx, req)
	}
}
