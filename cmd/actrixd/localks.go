package main

import (
	"context"
	"time"

	"github.com/actrix-rtc/actrixd/internal/nonceauth"
	"github.com/actrix-rtc/actrixd/ks"
)

// localKS adapts an in-process ks.Service to the narrow KSClient
// interfaces ais/issuer and ais/validator expect, signing each call's
// nonce-auth credential itself since AIS and KS share one process and
// one shared secret (no network hop between them).
type localKS struct {
	svc      *ks.Service
	verifier *nonceauth.Verifier
}

func (l *localKS) GenerateKey(ctx context.Context) (uint32, string, time.Time, error) {
	result, err := l.svc.GenerateKey(ctx, l.verifier.Sign(ks.GenerateKeyPayload))
	if err != nil {
		return 0, "", time.Time{}, err
	}
	var expiresAt time.Time
	if result.ExpiresAt != 0 {
		expiresAt = time.Unix(result.ExpiresAt, 0)
	}
	return result.KeyID, result.PublicKeyB64, expiresAt, nil
}

func (l *localKS) GetSecretKey(ctx context.Context, keyID uint32) (string, time.Time, bool, error) {
	result, err := l.svc.GetSecretKey(ctx, keyID, l.verifier.Sign(ks.GetSecretKeyPayload(keyID)))
	if err != nil {
		return "", time.Time{}, false, err
	}
	var expiresAt time.Time
	if result.ExpiresAt != 0 {
		expiresAt = time.Unix(result.ExpiresAt, 0)
	}
	return result.SecretKeyB64, expiresAt, result.InTolerancePeriod, nil
}
