package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/rustamtolipov/mrtdkit/cmd/mrtdread/internal/config"
	"github.com/rustamtolipov/mrtdkit/pkg/mrtd"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to config.yaml")
	docNumFlag := flag.String("doc-number", "", "passport document number (overrides config)")
	dobFlag := flag.String("dob", "", "date of birth YYMMDD (overrides config)")
	doeFlag := flag.String("doe", "", "date of expiry YYMMDD (overrides config)")
	canFlag := flag.String("can", "", "card access number, prompted if protocol is pace and key_ref is can and this is empty")
	verbose := flag.Bool("v", false, "enable debug logging")
	logFormat := flag.String("log-format", "text", "log format: text or json")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if *logFormat == "json" {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, opts)))
	} else {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	transport, err := mrtd.DialPCSC(*cfg.Runtime.ReaderIndex)
	if err != nil {
		log.Fatalf("connect to reader: %v", err)
	}
	defer transport.Close()

	session, err := mrtd.OpenSession(transport)
	if err != nil {
		log.Fatalf("open session: %v", err)
	}
	defer session.Close()

	switch strings.ToLower(cfg.Access.Protocol) {
	case "bac":
		if err := runBAC(session, cfg, *docNumFlag, *dobFlag, *doeFlag); err != nil {
			log.Fatalf("BAC failed: %v", err)
		}
	case "pace":
		if err := runPACE(session, cfg, *docNumFlag, *dobFlag, *doeFlag, *canFlag); err != nil {
			log.Fatalf("PACE failed: %v", err)
		}
	}

	dataGroups := make(map[int][]byte)
	for _, dg := range cfg.Read.DataGroups {
		fid, err := fidForDataGroup(dg)
		if err != nil {
			slog.Warn("skipping data group", "dg", dg, "error", err)
			continue
		}
		data, err := session.ReadFile(fid)
		if err != nil {
			slog.Warn("read data group failed", "dg", dg, "error", err)
			continue
		}
		dataGroups[dg] = data
		fmt.Printf("DG%d: %d bytes\n", dg, len(data))
	}

	if cfg.Read.ReadSOD != nil && *cfg.Read.ReadSOD {
		sod, err := session.ReadFile(mrtd.FidSOD)
		if err != nil {
			slog.Warn("read EF.SOD failed", "error", err)
			return
		}
		fmt.Printf("EF.SOD: %d bytes\n", len(sod))

		if cfg.Read.VerifyHashes != nil && *cfg.Read.VerifyHashes {
			if err := verifyDataGroupHashes(sod, dataGroups); err != nil {
				log.Fatalf("data group hash verification: %v", err)
			}
		}
	}
}

// verifyDataGroupHashes compares each read data group against the hash
// table in EF.SOD's signed security object. It does not validate the
// document signer's certificate chain; a clean result here only means
// the files read match what the security object declares.
func verifyDataGroupHashes(sod []byte, dataGroups map[int][]byte) error {
	_, content, err := mrtd.ParseEFSOD(sod)
	if err != nil {
		return err
	}
	report, err := mrtd.ParseLDSSecurityObject(content)
	if err != nil {
		return err
	}
	report.Verify(dataGroups)
	if len(report.Mismatched) > 0 {
		return fmt.Errorf("hash mismatch for data groups %v", report.Mismatched)
	}
	slog.Info("data group hashes verified", "algorithm", report.HashAlgorithm, "groups", len(dataGroups))
	return nil
}

func runBAC(session *mrtd.Session, cfg *config.Config, docNumFlag, dobFlag, doeFlag string) error {
	mrz := cfg.ResolveMRZ(docNumFlag, dobFlag, doeFlag)
	key, err := mrtd.NewMrzKey(mrz.DocumentNumber, mrz.DateOfBirth, mrz.DateOfExpiry)
	if err != nil {
		return err
	}
	_, err = session.Bac(key)
	return err
}

func runPACE(session *mrtd.Session, cfg *config.Config, docNumFlag, dobFlag, doeFlag, canFlag string) error {
	var paceKey *mrtd.PaceKey
	switch strings.ToLower(cfg.Access.PaceKeyRef) {
	case "mrz":
		mrz := cfg.ResolveMRZ(docNumFlag, dobFlag, doeFlag)
		key, err := mrtd.NewMrzKey(mrz.DocumentNumber, mrz.DateOfBirth, mrz.DateOfExpiry)
		if err != nil {
			return err
		}
		paceKey, err = mrtd.NewMrzPaceKey(key, mrtd.CipherAES, 128)
		if err != nil {
			return err
		}
	case "can":
		can := canFlag
		if can == "" {
			var err error
			can, err = promptMasked("CAN: ")
			if err != nil {
				return err
			}
		}
		var err error
		paceKey, err = mrtd.NewSecretPaceKey(can, mrtd.PaceKeyRefCAN, mrtd.CipherAES, 128)
		if err != nil {
			return err
		}
	default:
		return fmt.Errorf("unsupported pace_key_ref %q for this command", cfg.Access.PaceKeyRef)
	}

	_, err := session.Pace(cfg.Access.PaceOID, paceKey, nil)
	return err
}

// promptMasked reads a secret from stdin without echoing it.
func promptMasked(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read secret: %w", err)
	}
	return strings.TrimSpace(string(b)), nil
}

func fidForDataGroup(dg int) (uint16, error) {
	table := map[int]uint16{
		1: mrtd.FidDG1, 2: mrtd.FidDG2, 3: mrtd.FidDG3, 4: mrtd.FidDG4,
		5: mrtd.FidDG5, 6: mrtd.FidDG6, 7: mrtd.FidDG7, 8: mrtd.FidDG8,
		9: mrtd.FidDG9, 10: mrtd.FidDG10, 11: mrtd.FidDG11, 12: mrtd.FidDG12,
		13: mrtd.FidDG13, 14: mrtd.FidDG14, 15: mrtd.FidDG15, 16: mrtd.FidDG16,
	}
	fid, ok := table[dg]
	if !ok {
		return 0, fmt.Errorf("no FID mapping for data group %d", dg)
	}
	return fid, nil
}
