package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/FairForge/geofailover/internal/storage"
	"github.com/FairForge/geofailover/internal/topology"
)

// ErrProbeUnavailable marks a probe that could not run at all. The site is
// then reported as error rather than unhealthy.
var ErrProbeUnavailable = errors.New("health: probe unavailable")

// Plane names the side of a site a probe looks at
type Plane string

const (
	PlaneData    Plane = "data"
	PlaneControl Plane = "control"
)

// Probe checks one plane of a site. A nil error means the plane is up; any
// other error is a failure unless it wraps ErrProbeUnavailable.
type Probe interface {
	Plane() Plane
	Check(ctx context.Context, site topology.Site) error
}

// ProbeError is a site-local probe failure. It is retried on the next sweep.
type ProbeError struct {
	SiteID    string
	Plane     Plane
	Exception bool
	Err       error
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("health: %s probe for %s: %v", e.Plane, e.SiteID, e.Err)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// DataPlaneProbe asks the storage layer whether the site can serve and accept
// replication.
type DataPlaneProbe struct {
	Storage storage.ReplicationPrimitive
}

func (p *DataPlaneProbe) Plane() Plane { return PlaneData }

func (p *DataPlaneProbe) Check(ctx context.Context, site topology.Site) error {
	err := p.Storage.Ping(ctx, site.ID)
	if errors.Is(err, storage.ErrUnknownSite) {
		return fmt.Errorf("%w: %v", ErrProbeUnavailable, err)
	}
	return err
}

// ControlPlaneProbe issues a GET against the site's management endpoint and
// expects a 2xx answer. Sites without a management URL pass.
type ControlPlaneProbe struct {
	Client *http.Client
}

// NewControlPlaneProbe creates a probe using a client with the given timeout
func NewControlPlaneProbe(timeout time.Duration) *ControlPlaneProbe {
	return &ControlPlaneProbe{Client: &http.Client{Timeout: timeout}}
}

func (p *ControlPlaneProbe) Plane() Plane { return PlaneControl }

func (p *ControlPlaneProbe) Check(ctx context.Context, site topology.Site) error {
	if site.ManagementURL == "" {
		return nil
	}
	u, err := url.Parse(site.ManagementURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: bad management url %q", ErrProbeUnavailable, site.ManagementURL)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrProbeUnavailable, err)
	}
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("management endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// BucketChecker is the object-store side of the file transfer primitive
type BucketChecker interface {
	HasSite(siteID string) bool
	HealthCheck(ctx context.Context, siteID string) error
}

// ObjectStoreProbe checks a site's bucket. Sites without a bucket pass.
type ObjectStoreProbe struct {
	Store BucketChecker
}

func (p *ObjectStoreProbe) Plane() Plane { return PlaneData }

func (p *ObjectStoreProbe) Check(ctx context.Context, site topology.Site) error {
	if !p.Store.HasSite(site.ID) {
		return nil
	}
	return p.Store.HealthCheck(ctx, site.ID)
}
