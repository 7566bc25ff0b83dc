package dimse

import (
	"context"
	"fmt"

	"github.com/grailbio/go-dicom"
	"github.com/grailbio/go-netdicom"
	"github.com/grailbio/go-netdicom/sopclass"
)

// Client performs single C-ECHO / C-STORE operations against one listener.
// Association negotiation, presentation contexts and PDU framing are all
// handled by go-netdicom; the client only opens a fresh association per
// operation (matching how modality senders behave in production) and maps
// failures onto the Status taxonomy.
type Client struct {
	addr       string
	calledAET  string
	callingAET string
}

func NewClient(host string, port int, calledAET, callingAET string) *Client {
	return &Client{
		addr:       fmt.Sprintf("%s:%d", host, port),
		calledAET:  calledAET,
		callingAET: callingAET,
	}
}

func (c *Client) newServiceUser() (*netdicom.ServiceUser, error) {
	return netdicom.NewServiceUser(netdicom.ServiceUserParams{
		CalledAETitle:  c.calledAET,
		CallingAETitle: c.callingAET,
		SOPClasses:     sopclass.StorageClasses,
	})
}

// Echo opens an association and runs a C-ECHO verification against the
// target. Used as a pre-run reachability probe.
func (c *Client) Echo(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		su, err := netdicom.NewServiceUser(netdicom.ServiceUserParams{
			CalledAETitle:  c.calledAET,
			CallingAETitle: c.callingAET,
			SOPClasses:     sopclass.VerificationClasses,
		})
		if err != nil {
			errc <- err
			return
		}
		defer su.Release()
		su.Connect(c.addr)
		errc <- su.CEcho()
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errc:
		return err
	}
}

// Store reads the dataset at path and sends it with a single C-STORE over a
// fresh association. The context carries the per-call deadline; when it
// fires the attempt is reported as a Timeout while the underlying
// association is left to wind down on its own (sends are never aborted
// mid-flight).
func (c *Client) Store(ctx context.Context, path string) SendResult {
	resc := make(chan SendResult, 1)
	go func() {
		resc <- c.storeBlocking(path)
	}()

	select {
	case <-ctx.Done():
		return SendResult{Status: Timeout, Err: ctx.Err()}
	case res := <-resc:
		return res
	}
}

func (c *Client) storeBlocking(path string) SendResult {
	ds, err := dicom.ReadDataSetFromFile(path, dicom.ReadOptions{})
	if err != nil {
		// Unreadable payloads are a data problem, not a transient fault.
		return SendResult{Status: Rejected, Err: fmt.Errorf("read dataset %s: %w", path, err)}
	}

	su, err := c.newServiceUser()
	if err != nil {
		return SendResult{Status: NetworkError, Err: err}
	}
	defer su.Release()

	su.Connect(c.addr)
	if err := su.CStore(ds); err != nil {
		return SendResult{Status: classify(err), Err: err}
	}
	return SendResult{Status: Success}
}
