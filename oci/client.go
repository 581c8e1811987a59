package oci

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content"
	"oras.land/oras-go/v2/errdef"
	"oras.land/oras-go/v2/registry"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/credentials"
	"oras.land/oras-go/v2/registry/remote/errcode"
	"oras.land/oras-go/v2/registry/remote/retry"

	"github.com/meigma/iwabundle/bundleid"
	"github.com/meigma/iwabundle/sigverify"
	"github.com/meigma/iwabundle/swbn"
)

const (
	// ArtifactType identifies bundle manifests.
	ArtifactType = "application/vnd.meigma.iwabundle.v1"

	// MediaTypeBundle is the media type of the bundle layer.
	MediaTypeBundle = "application/webbundle"

	// AnnotationBundleID carries the bundle ID of the first signing key.
	AnnotationBundleID = "dev.meigma.iwabundle.id"

	// AnnotationPrimaryURL carries the primary URL recorded in the bundle.
	AnnotationPrimaryURL = "dev.meigma.iwabundle.primary-url"
)

// Client pushes and pulls bundles.
type Client struct {
	plainHTTP  bool
	userAgent  string
	anonymous  bool // skip credential lookup entirely
	credStore  credentials.Store
	authClient *auth.Client
	target     oras.Target
	logger     *slog.Logger
}

// New creates a new client with the given options.
func New(opts ...Option) *Client {
	c := &Client{
		userAgent: "iwabundle/1.0",
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.authClient = &auth.Client{
		Client: retry.DefaultClient,
		Cache:  auth.NewCache(),
		Credential: func(ctx context.Context, hostport string) (auth.Credential, error) {
			if c.anonymous || c.credStore == nil {
				return auth.EmptyCredential, nil
			}
			return c.credStore.Get(ctx, hostport)
		},
		Header: http.Header{
			"User-Agent": []string{c.userAgent},
		},
	}

	return c
}

// PushResult describes a pushed bundle.
type PushResult struct {
	Manifest ocispec.Descriptor
	Layer    ocispec.Descriptor
	BundleID bundleid.ID
}

// Push uploads the bundle at path and tags it with ref.
//
// The bundle signatures are verified before anything is uploaded, so an
// unsigned or tampered file is never published.
func (c *Client) Push(ctx context.Context, ref, path string) (*PushResult, error) {
	r, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	if r.Reference == "" {
		return nil, fmt.Errorf("%w: %s: missing tag", ErrInvalidReference, ref)
	}

	info, err := swbn.Inspect(ctx, path, sigverify.New())
	if err != nil {
		return nil, err
	}
	ids := info.IDs()
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: %s has no usable signing key", ErrInvalidManifest, path)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dgst, err := digest.Canonical.FromReader(f)
	if err != nil {
		return nil, fmt.Errorf("digest %s: %w", path, err)
	}

	layer := ocispec.Descriptor{
		MediaType: MediaTypeBundle,
		Digest:    dgst,
		Size:      info.Size,
		Annotations: map[string]string{
			ocispec.AnnotationTitle: filepath.Base(path),
			AnnotationBundleID:      ids[0].String(),
		},
	}
	if info.PrimaryURL != nil {
		layer.Annotations[AnnotationPrimaryURL] = info.PrimaryURL.String()
	}

	target, err := c.targetFor(r)
	if err != nil {
		return nil, err
	}

	exists, err := target.Exists(ctx, layer)
	if err != nil {
		return nil, mapError(err)
	}
	if !exists {
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return nil, err
		}
		if err := target.Push(ctx, layer, io.LimitReader(f, layer.Size)); err != nil {
			return nil, mapError(err)
		}
	}

	manifest, err := oras.PackManifest(ctx, target, oras.PackManifestVersion1_1, ArtifactType, oras.PackManifestOptions{
		Layers: []ocispec.Descriptor{layer},
		ManifestAnnotations: map[string]string{
			AnnotationBundleID: ids[0].String(),
		},
	})
	if err != nil {
		return nil, mapError(err)
	}
	if err := target.Tag(ctx, manifest, r.Reference); err != nil {
		return nil, mapError(err)
	}

	c.logger.Debug("pushed bundle", "ref", ref, "digest", manifest.Digest, "id", ids[0])
	return &PushResult{Manifest: manifest, Layer: layer, BundleID: ids[0]}, nil
}

// PullResult describes a pulled bundle.
type PullResult struct {
	Manifest ocispec.Descriptor
	Layer    ocispec.Descriptor
	BundleID bundleid.ID
	Path     string
}

// Pull downloads the bundle tagged ref into dest. The file is written to a
// temporary name in the same directory and renamed into place only after
// its digest has been checked. Signatures are not verified here; opening
// the file through a Registry does that.
func (c *Client) Pull(ctx context.Context, ref, dest string) (*PullResult, error) {
	r, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	if r.Reference == "" {
		return nil, fmt.Errorf("%w: %s: missing tag or digest", ErrInvalidReference, ref)
	}

	target, err := c.targetFor(r)
	if err != nil {
		return nil, err
	}

	desc, err := target.Resolve(ctx, r.Reference)
	if err != nil {
		return nil, mapError(err)
	}
	layer, err := fetchLayer(ctx, target, desc)
	if err != nil {
		return nil, err
	}

	id, err := bundleid.Parse(layer.Annotations[AnnotationBundleID])
	if err != nil {
		return nil, fmt.Errorf("%w: bundle id annotation: %v", ErrInvalidManifest, err)
	}

	if err := download(ctx, target, layer, dest); err != nil {
		return nil, err
	}

	c.logger.Debug("pulled bundle", "ref", ref, "digest", desc.Digest, "id", id, "path", dest)
	return &PullResult{Manifest: desc, Layer: layer, BundleID: id, Path: dest}, nil
}

// Resolve returns the manifest descriptor ref points at.
func (c *Client) Resolve(ctx context.Context, ref string) (ocispec.Descriptor, error) {
	r, err := parseRef(ref)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	target, err := c.targetFor(r)
	if err != nil {
		return ocispec.Descriptor{}, err
	}
	desc, err := target.Resolve(ctx, r.Reference)
	if err != nil {
		return ocispec.Descriptor{}, mapError(err)
	}
	return desc, nil
}

func fetchLayer(ctx context.Context, target oras.ReadOnlyTarget, desc ocispec.Descriptor) (ocispec.Descriptor, error) {
	if desc.MediaType != ocispec.MediaTypeImageManifest {
		return ocispec.Descriptor{}, fmt.Errorf("%w: unsupported media type %s", ErrInvalidManifest, desc.MediaType)
	}
	raw, err := content.FetchAll(ctx, target, desc)
	if err != nil {
		return ocispec.Descriptor{}, mapError(err)
	}
	var manifest ocispec.Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return ocispec.Descriptor{}, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if manifest.ArtifactType != ArtifactType {
		return ocispec.Descriptor{}, fmt.Errorf("%w: artifact type %q", ErrInvalidManifest, manifest.ArtifactType)
	}
	if len(manifest.Layers) != 1 || manifest.Layers[0].MediaType != MediaTypeBundle {
		return ocispec.Descriptor{}, fmt.Errorf("%w: expected one %s layer", ErrInvalidManifest, MediaTypeBundle)
	}
	return manifest.Layers[0], nil
}

func download(ctx context.Context, target oras.ReadOnlyTarget, layer ocispec.Descriptor, dest string) (err error) {
	rc, err := target.Fetch(ctx, layer)
	if err != nil {
		return mapError(err)
	}
	defer rc.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".iwabundle-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	vr := content.NewVerifyReader(rc, layer)
	if _, err = io.Copy(tmp, vr); err != nil {
		return verifyError(err)
	}
	if err = vr.Verify(); err != nil {
		return verifyError(err)
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dest)
}

func verifyError(err error) error {
	if errors.Is(err, content.ErrMismatchedDigest) || errors.Is(err, content.ErrTrailingData) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %v", ErrDigestMismatch, err)
	}
	return err
}

// targetFor returns the target that serves r.
func (c *Client) targetFor(r registry.Reference) (oras.Target, error) {
	if c.target != nil {
		return c.target, nil
	}
	repo, err := remote.NewRepository(r.Registry + "/" + r.Repository)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidReference, err)
	}
	repo.PlainHTTP = c.plainHTTP
	repo.Client = c.authClient
	return repo, nil
}

func parseRef(ref string) (registry.Reference, error) {
	r, err := registry.ParseReference(ref)
	if err != nil {
		return registry.Reference{}, fmt.Errorf("%w: %v", ErrInvalidReference, err)
	}
	return r, nil
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, errdef.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	var errResp *errcode.ErrorResponse
	if errors.As(err, &errResp) && errResp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}
