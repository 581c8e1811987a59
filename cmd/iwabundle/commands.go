package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/meigma/iwabundle"
	"github.com/meigma/iwabundle/bundle"
	"github.com/meigma/iwabundle/bundleid"
	"github.com/meigma/iwabundle/oci"
	"github.com/meigma/iwabundle/sigverify"
	"github.com/meigma/iwabundle/swbn"
)

func (e *env) inspect(ctx context.Context, args []string) error {
	fs := newFlagSet("inspect")
	verify := fs.Bool("verify", false, "verify signatures")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := wantArgs(fs, 1, "<bundle>"); err != nil {
		return err
	}

	var verifier bundle.Verifier
	if *verify {
		verifier = sigverify.New(e.cfg.VerifierOptions(e.logger)...)
	}
	info, err := swbn.Inspect(ctx, fs.Arg(0), verifier)
	if err != nil {
		return err
	}

	fmt.Fprintf(e.stdout, "size:        %d\n", info.Size)
	for _, id := range info.IDs() {
		fmt.Fprintf(e.stdout, "bundle id:   %s\n", id)
	}
	if info.PrimaryURL != nil {
		fmt.Fprintf(e.stdout, "primary url: %s\n", info.PrimaryURL)
	}
	if *verify {
		fmt.Fprintf(e.stdout, "verified:    %t\n", info.Verified)
	}
	for _, h := range info.Responses {
		fmt.Fprintf(e.stdout, "%3d %8d %-5s %s\n", h.Status, h.ContentLength, h.Compression, h.URL)
	}
	return nil
}

func (e *env) newRegistry() (*iwabundle.Registry, error) {
	opts, err := e.cfg.RegistryOptions(e.logger)
	if err != nil {
		return nil, err
	}
	return iwabundle.NewRegistry(opts...)
}

func parseID(s string) (bundleid.ID, error) {
	if s == "" {
		return bundleid.ID{}, errors.New("-id is required")
	}
	id, err := bundleid.Parse(s)
	if err != nil {
		return bundleid.ID{}, err
	}
	if !id.IsSigned() {
		return bundleid.ID{}, fmt.Errorf("%s is not a signed bundle id", s)
	}
	return id, nil
}

func (e *env) cat(ctx context.Context, args []string) error {
	fs := newFlagSet("cat")
	rawID := fs.String("id", "", "bundle id the file is installed under")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := wantArgs(fs, 2, "<bundle> <url>"); err != nil {
		return err
	}
	id, err := parseID(*rawID)
	if err != nil {
		return err
	}
	req, err := bundle.NewRequest(fs.Arg(1))
	if err != nil {
		return err
	}

	reg, err := e.newRegistry()
	if err != nil {
		return err
	}
	defer reg.Close()

	resp, err := reg.ReadResponse(ctx, fs.Arg(0), id, req)
	if err != nil {
		return err
	}
	if resp.Status() != http.StatusOK {
		e.logger.Warn("non-200 response", "status", resp.Status(), "url", req.URL)
	}
	return resp.ReadBody(ctx, e.stdout)
}

func (e *env) serve(ctx context.Context, args []string) error {
	fs := newFlagSet("serve")
	rawID := fs.String("id", "", "bundle id the file is installed under")
	addr := fs.String("addr", "127.0.0.1:8080", "listen address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := wantArgs(fs, 1, "<bundle>"); err != nil {
		return err
	}
	id, err := parseID(*rawID)
	if err != nil {
		return err
	}

	reg, err := e.newRegistry()
	if err != nil {
		return err
	}
	defer reg.Close()

	srv := &http.Server{
		Addr:              *addr,
		Handler:           newHandler(reg, fs.Arg(0), id, e.logger),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	e.logger.Info("serving bundle", "addr", *addr, "id", id, "origin", id.Origin())

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func (e *env) push(ctx context.Context, args []string) error {
	fs := newFlagSet("push")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := wantArgs(fs, 2, "<ref> <bundle>"); err != nil {
		return err
	}
	res, err := oci.New(e.cfg.ClientOptions(e.logger)...).Push(ctx, fs.Arg(0), fs.Arg(1))
	if err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "%s %s\n", res.Manifest.Digest, res.BundleID)
	return nil
}

func (e *env) pull(ctx context.Context, args []string) error {
	fs := newFlagSet("pull")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := wantArgs(fs, 2, "<ref> <dest>"); err != nil {
		return err
	}
	res, err := oci.New(e.cfg.ClientOptions(e.logger)...).Pull(ctx, fs.Arg(0), fs.Arg(1))
	if err != nil {
		return err
	}
	fmt.Fprintf(e.stdout, "%s %s\n", res.Manifest.Digest, res.BundleID)
	return nil
}
