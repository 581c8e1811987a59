package validator

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/meigma/iwabundle/bundleid"
)

// RequireAll returns a validator that passes only if all given validators pass.
//
// Validators are evaluated in order. Evaluation stops at the first failure.
// If no validators are provided, the returned validator always passes.
func RequireAll(validators ...Validator) Validator {
	return Funcs{
		IntegrityBlock: func(ctx context.Context, id bundleid.ID, keys []bundleid.PublicKey) error {
			for _, v := range validators {
				if v == nil {
					continue
				}
				if err := v.ValidateIntegrityBlock(ctx, id, keys); err != nil {
					return err
				}
			}
			return nil
		},
		Metadata: func(id bundleid.ID, primaryURL *url.URL, entries []*url.URL) error {
			for _, v := range validators {
				if v == nil {
					continue
				}
				if err := v.ValidateMetadata(id, primaryURL, entries); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

// RequireAny returns a validator that passes if at least one validator passes.
//
// All validators are evaluated until one succeeds. If all fail, the error
// includes messages from all of them. If no validators are provided, the
// returned validator always fails.
func RequireAny(validators ...Validator) Validator {
	var valid []Validator
	for _, v := range validators {
		if v != nil {
			valid = append(valid, v)
		}
	}

	anyOf := func(check func(Validator) error) error {
		if len(valid) == 0 {
			return errors.New("validator: RequireAny requires at least one validator")
		}
		var errs []string
		for _, v := range valid {
			err := check(v)
			if err == nil {
				return nil
			}
			errs = append(errs, err.Error())
		}
		return fmt.Errorf("validator: all %d validators failed: %s", len(valid), strings.Join(errs, "; "))
	}

	return Funcs{
		IntegrityBlock: func(ctx context.Context, id bundleid.ID, keys []bundleid.PublicKey) error {
			return anyOf(func(v Validator) error { return v.ValidateIntegrityBlock(ctx, id, keys) })
		},
		Metadata: func(id bundleid.ID, primaryURL *url.URL, entries []*url.URL) error {
			return anyOf(func(v Validator) error { return v.ValidateMetadata(id, primaryURL, entries) })
		},
	}
}

// TrustedIDs accepts only the listed bundle IDs. It does not inspect metadata.
func TrustedIDs(ids ...bundleid.ID) Validator {
	allowed := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		allowed[id.String()] = struct{}{}
	}
	return Funcs{
		IntegrityBlock: func(_ context.Context, id bundleid.ID, _ []bundleid.PublicKey) error {
			if _, ok := allowed[id.String()]; !ok {
				return fmt.Errorf("%w: %s", ErrUntrusted, id)
			}
			return nil
		},
	}
}
