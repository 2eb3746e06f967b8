// Command desfire-tool inspects a DESFire EV1 card: version, UID, free
// memory, applications and files. With a config file it authenticates
// first, which unlocks the protected queries.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/andrade/nfcjlib/desfire"
	"github.com/andrade/nfcjlib/internal/config"
	"github.com/andrade/nfcjlib/pcsc"
)

func main() {
	cfgPath := flag.String("config", "", "YAML config file (reader, card, auth)")
	readerIdx := flag.Int("reader", 0, "reader index (overridden by config)")
	listReaders := flag.Bool("list-readers", false, "list attached readers and exit")
	format := flag.Bool("format", false, "format the PICC (requires PICC master key auth)")
	verbose := flag.Bool("v", false, "verbose APDU logging")
	flag.Parse()

	if *verbose {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	if *listReaders {
		readers, err := pcsc.ListReaders()
		if err != nil {
			fatal("list readers: %v", err)
		}
		for i, r := range readers {
			fmt.Printf("%d: %s\n", i, r)
		}
		return
	}

	var cfg *config.Config
	if *cfgPath != "" {
		var err error
		cfg, err = config.Load(*cfgPath)
		if err != nil {
			fatal("%v", err)
		}
		*readerIdx = cfg.ReaderIndex()
	}

	conn, err := pcsc.Connect(*readerIdx)
	if err != nil {
		fatal("connect: %v", err)
	}
	card := desfire.New(conn)
	defer card.Disconnect()

	fmt.Printf("reader: %s\n", conn.Reader)

	if raw, err := card.GetVersion(); err == nil {
		printVersion(raw)
	} else {
		fmt.Printf("GetVersion failed: %v\n", err)
	}

	if cfg != nil {
		if err := authenticate(card, cfg); err != nil {
			fatal("authenticate: %v", err)
		}
		fmt.Println("authenticated")

		if uid, err := card.GetCardUID(); err == nil {
			fmt.Printf("card UID: %s\n", strings.ToUpper(hex.EncodeToString(uid)))
		}
	}

	if *format {
		if err := card.FormatPICC(); err != nil {
			fatal("format: %v", err)
		}
		fmt.Println("PICC formatted")
		return
	}

	if free, err := card.FreeMemory(); err == nil {
		fmt.Printf("free memory: %d bytes\n", free)
	}

	aids, err := card.GetApplicationIDs()
	if err != nil {
		fmt.Printf("GetApplicationIDs failed: %v (status 0x%02X)\n", err, card.LastCode())
		return
	}
	fmt.Printf("%d application(s)\n", len(aids))
	for _, aid := range aids {
		fmt.Printf("  AID %s", strings.ToUpper(hex.EncodeToString(aid)))
		if err := card.SelectApplication(aid); err != nil {
			fmt.Printf(" (select failed: %v)\n", err)
			continue
		}
		files, err := card.GetFileIDs()
		if err != nil {
			fmt.Printf(" (files unavailable: %v)\n", err)
			continue
		}
		fmt.Printf(" files %v\n", files)
	}
}

func authenticate(card *desfire.DESFire, cfg *config.Config) error {
	aid, err := cfg.AID()
	if err != nil {
		return err
	}
	if err := card.SelectApplication(aid); err != nil {
		return err
	}
	key, err := cfg.Key()
	if err != nil {
		return err
	}
	_, err = card.Authenticate(key, cfg.KeyNo(), keyType(cfg.Auth.KeyType))
	return err
}

func keyType(name string) desfire.KeyType {
	switch strings.ToLower(name) {
	case "des":
		return desfire.DES
	case "2k3des":
		return desfire.TDES
	case "3k3des":
		return desfire.TKTDES
	default:
		return desfire.AES
	}
}

func printVersion(raw []byte) {
	v, err := desfire.ParseVersion(raw)
	if err != nil {
		fmt.Printf("version: %s\n", strings.ToUpper(hex.EncodeToString(raw)))
		return
	}
	fmt.Printf("hardware: vendor 0x%02X type 0x%02X/0x%02X v%d.%d storage %d bytes\n",
		v.HWVendorID, v.HWType, v.HWSubType, v.HWMajor, v.HWMinor, desfire.StorageBytes(v.HWStorageSize))
	fmt.Printf("software: vendor 0x%02X type 0x%02X/0x%02X v%d.%d\n",
		v.SWVendorID, v.SWType, v.SWSubType, v.SWMajor, v.SWMinor)
	fmt.Printf("UID %s batch %s week 0x%02X year 0x%02X\n",
		strings.ToUpper(hex.EncodeToString(v.UID)),
		strings.ToUpper(hex.EncodeToString(v.BatchNo)),
		v.ProductionWeek, v.ProductionYear)
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
