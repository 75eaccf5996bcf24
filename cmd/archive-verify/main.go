package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"audit-service/internal/archive"
	"audit-service/internal/config"
	"audit-service/internal/domain"
	"audit-service/internal/service"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
)

type report struct {
	File       string                     `json:"file"`
	Entries    int                        `json:"entries"`
	DateRange  domain.ArchiveDateRange    `json:"dateRange"`
	Embedded   *domain.VerificationResult `json:"embedded"`
	Recomputed *domain.VerificationResult `json:"recomputed"`
	Consistent bool                       `json:"consistent"`
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	log.SetOutput(os.Stderr)

	keyFile := flag.String("key-file", "", "file holding the signing key (overrides AUDIT_SECRET_KEY_FILE)")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [-key-file path] archive...\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	_ = godotenv.Load()

	var audit config.Audit
	if err := env.Parse(&audit); err != nil {
		log.WithError(err).Fatal("Invalid configuration")
	}
	if *keyFile != "" {
		audit.SecretKeyFile = *keyFile
	}

	key, err := config.LoadSecretKey(audit)
	if err != nil {
		log.WithError(err).Fatal("Could not load signing key")
	}
	signer, err := service.NewChainSigner(key)
	if err != nil {
		log.WithError(err).Fatal("Could not create chain signer")
	}

	failed := false
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	for _, path := range flag.Args() {
		a, err := archive.ReadFile(path)
		if err != nil {
			log.WithError(err).WithField("file", path).Error("Could not read archive")
			failed = true
			continue
		}

		r := check(signer, path, a)
		if !r.Consistent {
			failed = true
		}
		if err := enc.Encode(r); err != nil {
			log.WithError(err).Fatal("Could not write report")
		}
	}

	if failed {
		os.Exit(1)
	}
}

func check(signer *service.ChainSigner, path string, a *domain.Archive) report {
	recomputed := service.VerifyArchive(signer, a)

	r := report{
		File:       path,
		Entries:    len(a.Logs),
		DateRange:  a.Metadata.DateRange,
		Embedded:   a.Metadata.Integrity,
		Recomputed: recomputed,
	}
	r.Consistent = recomputed.IsValid &&
		a.Metadata.TotalEntries == len(a.Logs) &&
		a.Metadata.Integrity != nil && a.Metadata.Integrity.IsValid
	return r
}
