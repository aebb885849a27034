// Copyright 2019 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package office365 provides Office365 mail folders through the
// Microsoft Graph API.
package office365

import (
	"context"
	"net/http"
	"sync"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/matta/cloudmdir/internal/oauth"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"
	"golang.org/x/time/rate"
)

// Graph allows roughly 10000 requests per 10 minutes per mailbox.
const (
	rateLimitPerSecond = 10
	rateLimitBurst     = 20
)

var scopes = []string{
	"https://graph.microsoft.com/Mail.ReadWrite",
	"offline_access",
	"openid",
	"profile",
}

// Account is an Office365 login shared by the folders of one user.
type Account struct {
	Name string

	session *oauth.Session
	limiter *rate.Limiter

	mu     sync.Mutex
	client *msgraphsdk.GraphServiceClient
	http   *http.Client
}

// NewAccount defines an account.  user may be empty, in which case the
// browser chooses and the choice is remembered.  tenant is an Azure AD
// directory name or GUID; empty means "common".
func NewAccount(name, user, tenant, clientID string, broker *oauth.Broker, cache *oauth.TokenCache) *Account {
	if tenant == "" {
		tenant = "common"
	}
	conf := &oauth2.Config{
		ClientID:    clientID,
		Endpoint:    microsoft.AzureADEndpoint(tenant),
		RedirectURL: broker.RedirectURL(oauth.MSALPath),
		Scopes:      scopes,
	}
	s := oauth.NewSession(name, conf, broker, cache)
	if user != "" {
		s.AuthOptions = append(s.AuthOptions, oauth2.SetAuthURLParam("login_hint", user))
	}
	s.Identity = preferredUsername
	return &Account{
		Name:    name,
		session: s,
		limiter: rate.NewLimiter(rateLimitPerSecond, rateLimitBurst),
	}
}

// Connect logs in, once, and builds the Graph client.
func (a *Account) Connect(ctx context.Context) error {
	if err := a.session.Login(ctx); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil {
		return nil
	}
	cred := &tokenCredential{session: a.session}
	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{"https://graph.microsoft.com/.default"})
	if err != nil {
		return errors.Wrapf(err, "creating Graph client for %s", a.Name)
	}
	a.client = client
	a.http = a.session.Client()
	return nil
}

func (a *Account) graph() *msgraphsdk.GraphServiceClient {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.client
}

func (a *Account) httpClient() *http.Client {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.http
}

func (a *Account) Close() error {
	a.mu.Lock()
	a.client = nil
	a.http = nil
	a.mu.Unlock()
	return a.session.Close()
}

// tokenCredential lets the Graph SDK use the session's tokens.
type tokenCredential struct {
	session *oauth.Session
}

func (c *tokenCredential) GetToken(ctx context.Context, _ policy.TokenRequestOptions) (azcore.AccessToken, error) {
	src := c.session.TokenSource()
	if src == nil {
		return azcore.AccessToken{}, errors.New("office365 session is closed")
	}
	tok, err := src.Token()
	if err != nil {
		return azcore.AccessToken{}, err
	}
	return azcore.AccessToken{Token: tok.AccessToken, ExpiresOn: tok.Expiry}, nil
}

// preferredUsername returns the user name in the token's id_token.
// The token was just received from the issuer over TLS, so the
// signature is not checked.
func preferredUsername(tok *oauth2.Token) string {
	raw, ok := tok.Extra("id_token").(string)
	if !ok || raw == "" {
		return ""
	}
	id, err := jwt.ParseInsecure([]byte(raw))
	if err != nil {
		return ""
	}
	v, ok := id.Get("preferred_username")
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
