// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package e2ee

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loom-im/loom/homeserver"
	"github.com/loom-im/loom/lib/ref"
	"github.com/loom-im/loom/lib/sealed"
	"github.com/loom-im/loom/lib/secret"
	"github.com/loom-im/loom/olm"
)

// DehydrationAlgorithm tags the sealed account pickle format in the
// server-side dehydrated device record.
const DehydrationAlgorithm = "org.loom.msc2697.v1.age-pickle"

// DehydrationSecretName is the secret-storage name under which the
// sealing private key is stored.
const DehydrationSecretName = "org.loom.dehydration.v1"

const dehydratedOneTimeKeys = 50

// Dehydrator uploads and claims dehydrated devices: a parked device
// whose sealed olm account lets the next login receive room keys sent
// while no real device was online.
type Dehydrator struct {
	session *homeserver.Session
	logger  *slog.Logger
}

// NewDehydrator creates a dehydrator. A nil logger uses slog.Default().
func NewDehydrator(session *homeserver.Session, logger *slog.Logger) (*Dehydrator, error) {
	if session == nil {
		return nil, fmt.Errorf("e2ee: dehydrator needs a homeserver session")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dehydrator{session: session, logger: logger}, nil
}

// Dehydrate creates a fresh olm account, seals its pickle to the given
// age recipient, and uploads it as the account's dehydrated device.
// Servers without the feature answer M_UNRECOGNIZED, which disables
// dehydration without error.
func (d *Dehydrator) Dehydrate(ctx context.Context, recipientKey string) (ref.DeviceID, error) {
	if err := sealed.ParsePublicKey(recipientKey); err != nil {
		return ref.DeviceID{}, fmt.Errorf("e2ee: dehydration recipient key: %w", err)
	}

	account, err := olm.NewAccount()
	if err != nil {
		return ref.DeviceID{}, err
	}
	if err := account.GenerateOneTimeKeys(dehydratedOneTimeKeys); err != nil {
		return ref.DeviceID{}, err
	}
	pickle, err := account.Pickle()
	if err != nil {
		return ref.DeviceID{}, err
	}
	sealedPickle, err := sealed.Encrypt(pickle, []string{recipientKey})
	if err != nil {
		return ref.DeviceID{}, fmt.Errorf("e2ee: sealing dehydrated account: %w", err)
	}

	deviceID, err := d.session.PutDehydratedDevice(ctx, homeserver.DehydratedDeviceRequest{
		DeviceData: homeserver.DehydratedDeviceData{
			Algorithm: DehydrationAlgorithm,
			Account:   sealedPickle,
		},
		InitialDisplayName: "loom (dehydrated)",
	})
	if homeserver.IsMatrixError(err, homeserver.ErrCodeUnrecognized) {
		d.logger.Info("homeserver does not support dehydrated devices")
		return ref.DeviceID{}, nil
	}
	if err != nil {
		return ref.DeviceID{}, err
	}
	d.logger.Info("uploaded dehydrated device", "device_id", deviceID)
	return deviceID, nil
}

// Rehydrate fetches, claims, and unseals the account's dehydrated
// device. Returns ok=false without error when no dehydrated device
// exists, the server lacks the feature, or another login won the
// claim race.
func (d *Dehydrator) Rehydrate(ctx context.Context, privateKey *secret.Buffer) (account *olm.Account, deviceID ref.DeviceID, ok bool, err error) {
	response, err := d.session.DehydratedDevice(ctx)
	if homeserver.IsMatrixError(err, homeserver.ErrCodeUnrecognized) ||
		homeserver.IsMatrixError(err, homeserver.ErrCodeNotFound) {
		return nil, ref.DeviceID{}, false, nil
	}
	if err != nil {
		return nil, ref.DeviceID{}, false, err
	}
	if response.DeviceData.Algorithm != DehydrationAlgorithm {
		return nil, ref.DeviceID{}, false,
			fmt.Errorf("e2ee: dehydrated device has unsupported algorithm %q", response.DeviceData.Algorithm)
	}

	claimed, err := d.session.ClaimDehydratedDevice(ctx, response.DeviceID)
	if err != nil {
		return nil, ref.DeviceID{}, false, err
	}
	if !claimed {
		d.logger.Info("dehydrated device already claimed by another login", "device_id", response.DeviceID)
		return nil, ref.DeviceID{}, false, nil
	}

	pickle, err := sealed.Decrypt(response.DeviceData.Account, privateKey)
	if err != nil {
		return nil, ref.DeviceID{}, false, fmt.Errorf("e2ee: unsealing dehydrated account: %w", err)
	}
	defer pickle.Close()
	account, err = olm.UnpickleAccount(pickle.Bytes())
	if err != nil {
		return nil, ref.DeviceID{}, false, err
	}
	return account, response.DeviceID, true, nil
}
