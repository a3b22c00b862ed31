package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strconv"

	config "github.com/catlab/drinks-services/configs"
	"github.com/catlab/drinks-services/internal/keys"
	nats "github.com/catlab/drinks-services/internal/nats"
	"github.com/catlab/drinks-services/internal/nfc"
	"github.com/catlab/drinks-services/internal/terminalsvc/client"
	"github.com/catlab/drinks-services/internal/terminalsvc/service"
	"github.com/catlab/drinks-services/internal/terminalsvc/store"
	log "github.com/sirupsen/logrus"
)

const SERVICE_NAME = "terminal"

func init() {
	config.Logging(SERVICE_NAME + "_service_" + os.Getenv("DEVICE_UID"))
	config.LoadEnv(SERVICE_NAME)
}

func main() {

	deviceUid := os.Getenv("DEVICE_UID")
	if deviceUid == "" {
		log.Fatalf("DEVICE_UID is required")
	}
	deviceId, err := strconv.ParseInt(os.Getenv("DEVICE_ID"), 10, 64)
	if err != nil {
		log.Fatalf("Invalid DEVICE_ID value: %v", err)
	}
	organisationId, err := strconv.ParseInt(os.Getenv("ORGANISATION_ID"), 10, 64)
	if err != nil {
		log.Fatalf("Invalid ORGANISATION_ID value: %v", err)
	}

	// device key; a terminal without a stored key keeps writing legacy
	// payloads until a key is generated and approved
	keystore := keys.NewKeystore(os.Getenv("KEYSTORE_DIR"))
	manager := keys.NewManager(keystore)
	secret := os.Getenv("DEVICE_KEY_SECRET")

	err = manager.Initialize(deviceUid, deviceId, secret)
	switch {
	case err == nil:
		log.Infof("device key loaded for %s", deviceUid)
	case errors.Is(err, keys.ErrNoStoredKey) && os.Getenv("GENERATE_DEVICE_KEY") == "true":
		if err := manager.GenerateKeyPair(deviceUid, deviceId, secret); err != nil {
			log.Fatalf("Failed to generate device key: %v", err)
		}
		log.Infof("device key generated for %s", deviceUid)
	case errors.Is(err, keys.ErrNoStoredKey):
		log.Warnf("no device key stored, running in legacy mode")
	default:
		log.Fatalf("Failed to load device key: %v", err)
	}

	// durable offline state
	offline, err := store.Open(os.Getenv("OFFLINE_DB_PATH"))
	if err != nil {
		log.Fatalf("Failed to open offline store: %v", err)
	}
	defer offline.Close()

	api := client.New(os.Getenv("LEDGER_API_URL"), os.Getenv("LEDGER_API_TOKEN"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// reader transport
	reader := nfc.NewSocketReader(os.Getenv("READER_SOCKET_URL"))
	if err := reader.Connect(ctx); err != nil {
		log.Fatalf("Failed to connect to reader: %v", err)
	}
	defer reader.Close()
	log.Printf("reader connection established successfully")

	cards := service.NewCardService(reader, manager, offline, api, service.Config{
		TopupDomain:    os.Getenv("TOPUP_DOMAIN"),
		OrganisationID: organisationId,
	})

	// announce the key and load the trust set, best-effort
	if manager.IsInitialized() {
		if err := cards.RegisterDevice(ctx); err != nil {
			log.Warnf("device registration skipped: %v", err)
		}
	}
	if err := cards.RefreshTrustedKeys(ctx); err != nil {
		log.Warnf("trusted key refresh skipped: %v", err)
	}

	// live approval updates over NATS; optional
	if n, err := nats.Connect(); err != nil {
		log.Warnf("NATS unavailable, key refresh falls back to polling: %v", err)
	} else {
		defer n.Close()
		sub, err := api.WatchDeviceApprovals(n.Conn, organisationId, cards.LoadTrustedKeys)
		if err != nil {
			log.Warnf("cannot watch device approvals: %v", err)
		} else {
			defer sub.Unsubscribe()
		}
		log.Printf("NATS connection established successfully %s", n.Url)
	}

	go func() {
		if err := cards.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Fatalf("card service stopped: %v", err)
		}
	}()
	log.Infof("%s service running for device %s", SERVICE_NAME, deviceUid)

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	<-stop

	cancel()
	log.Infof("%s service shut down", SERVICE_NAME)
}
