// Copyright 2025 The ZenGlow Authors
// SPDX-License-Identifier: Apache-2.0

// Package devauth mints and validates the device bearer tokens the HTTP
// transport adapter presents to the collector.
package devauth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DeviceAuth signs device tokens with a shared HMAC secret.
type DeviceAuth struct {
	secret []byte
}

func NewDeviceAuth(secret string) *DeviceAuth {
	return &DeviceAuth{secret: []byte(secret)}
}

// DeviceClaims carries the device identity alongside the registered claims.
// The subject is the device's account id; "did" is the device id itself.
type DeviceClaims struct {
	DeviceID string `json:"did"`
	jwt.RegisteredClaims
}

// GenerateToken mints a token for one device.
func (d *DeviceAuth) GenerateToken(accountID, deviceID string, expiration time.Duration) (string, error) {
	now := time.Now()
	claims := &DeviceClaims{
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "zenglow-sensorbuf",
			Subject:   accountID,
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(d.secret)
}

// ValidateToken parses and validates a device token.
func (d *DeviceAuth) ValidateToken(tokenString string) (*DeviceClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &DeviceClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return d.secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*DeviceClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.DeviceID == "" {
		return nil, fmt.Errorf("missing did (device ID) in token")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("missing sub (account ID) in token")
	}
	return claims, nil
}

// TokenFunc returns a token supplier suitable for the HTTP adapter. Tokens
// are minted fresh per call; the collector enforces expiry.
func (d *DeviceAuth) TokenFunc(accountID, deviceID string, expiration time.Duration) func(context.Context) (string, error) {
	return func(context.Context) (string, error) {
		return d.GenerateToken(accountID, deviceID, expiration)
	}
}
