// Package dummy runs a built-in C-STORE receiver so the tool can be smoke
// tested without a real listener: `cstorm receiver` on one terminal,
// `cstorm run --target-host 127.0.0.1` on another.
package dummy

import (
	"fmt"
	"sync/atomic"

	"github.com/grailbio/go-netdicom"
	netdimse "github.com/grailbio/go-netdicom/dimse"
	"github.com/rs/zerolog/log"
)

type ServerConfig struct {
	Port    int
	AETitle string

	// RejectEvery makes the receiver refuse every Nth store with an
	// out-of-resources status, for exercising the error-rate threshold.
	RejectEvery int
}

// Start listens forever, answering C-ECHO and accepting (or selectively
// rejecting) C-STORE. Received datasets are discarded after counting.
func Start(cfg ServerConfig) error {
	var received uint64

	params := netdicom.ServiceProviderParams{
		AETitle: cfg.AETitle,
		CEcho: func(connState netdicom.ConnectionState) netdimse.Status {
			log.Debug().Msg("echo answered")
			return netdimse.Success
		},
		CStore: func(connState netdicom.ConnectionState, transferSyntaxUID, sopClassUID, sopInstanceUID string, data []byte) netdimse.Status {
			n := atomic.AddUint64(&received, 1)
			if cfg.RejectEvery > 0 && n%uint64(cfg.RejectEvery) == 0 {
				log.Info().Str("sop", sopInstanceUID).Uint64("n", n).Msg("store rejected")
				return netdimse.Status{Status: netdimse.CStoreOutOfResources}
			}
			if n%100 == 0 {
				log.Info().Uint64("received", n).Msg("stores accepted")
			}
			log.Debug().
				Str("sop", sopInstanceUID).
				Str("class", sopClassUID).
				Int("bytes", len(data)).
				Msg("store accepted")
			return netdimse.Success
		},
	}

	sp, err := netdicom.NewServiceProvider(params, fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return err
	}
	log.Info().Int("port", cfg.Port).Str("aet", cfg.AETitle).Msg("receiver listening")
	sp.Run()
	return nil
}
