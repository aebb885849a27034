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

// Package gmail provides Gmail labels as cloud mailboxes.
package gmail

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/matta/cloudmdir/internal/cloud"
	"github.com/matta/cloudmdir/internal/gmailhttp"
	"github.com/matta/cloudmdir/internal/mailbox"
	"github.com/matta/cloudmdir/internal/oauth"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	// See https://developers.google.com/gmail/api/reference/quota
	quotaUnitsMessagesGet     = 5
	quotaUnitsPerGetProfile   = 1
	quotaUnitsPerMessagesList = 5
	quotaUnitsMessagesModify  = 5
	quotaUnitsMessagesTrash   = 5
	quotaUnitsMessagesInsert  = 25

	quotaUnitsPerSecond = 250
	rateLimitPerSecond  = quotaUnitsPerSecond * 0.8
	rateLimitBurst      = quotaUnitsPerSecond
)

// Account is a Gmail login shared by the labels of one user.  Gmail
// quotas are per user, so the labels share one limiter.
type Account struct {
	Name string

	// Transport, if set, carries the API requests.
	Transport http.RoundTripper

	session *oauth.Session
	apiKey  string
	limiter *rate.Limiter

	mu      sync.Mutex
	service *gmail.Service
}

func NewAccount(name, clientID, clientSecret, apiKey string, broker *oauth.Broker, cache *oauth.TokenCache) *Account {
	conf := gmailhttp.Config(clientID, clientSecret, broker.RedirectURL(oauth.GooglePath))
	return &Account{
		Name:    name,
		session: oauth.NewSession(name, conf, broker, cache),
		apiKey:  apiKey,
		limiter: rate.NewLimiter(rateLimitPerSecond, rateLimitBurst),
	}
}

// Connect logs in, once, and builds the API client.
func (a *Account) Connect(ctx context.Context) error {
	if err := a.session.Login(ctx); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.service != nil {
		return nil
	}
	client := gmailhttp.New(a.session.TokenSource(), a.Transport, a.apiKey)
	s, err := gmail.NewService(ctx, option.WithHTTPClient(client))
	if err != nil {
		return errors.Wrapf(err, "creating Gmail client for %s", a.Name)
	}
	a.service = s
	return nil
}

func (a *Account) Close() error {
	a.mu.Lock()
	a.service = nil
	a.mu.Unlock()
	if a.session == nil {
		return nil
	}
	return a.session.Close()
}

func (a *Account) messages() (*gmail.UsersMessagesService, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.service == nil {
		return nil, errors.New("gmail account is not connected")
	}
	return gmail.NewUsersMessagesService(a.service), nil
}

func isChat(msg *gmail.Message) bool {
	for _, label := range msg.LabelIds {
		if label == "CHAT" {
			return true
		}
	}
	return false
}

// do waits for quota then runs call, retrying while Gmail reports the
// user is over quota.
func (a *Account) do(ctx context.Context, units int, call func() error) error {
	for {
		if err := a.limiter.WaitN(ctx, units); err != nil {
			return err
		}
		err := call()
		if err == nil {
			return nil
		}

		var cause *googleapi.Error
		if errors.As(err, &cause) {
			if cause.Code == http.StatusTooManyRequests {
				continue // retry
			}
			if cause.Code == http.StatusNotFound {
				return errors.Wrap(cloud.ErrMessageNotFound, err.Error())
			}
			if cause.Code >= 500 {
				return mailbox.Retryable(err)
			}
		}
		return err
	}
}

// listIDs returns the ids of messages carrying all of labels.
func (a *Account) listIDs(ctx context.Context, labels ...string) (map[string]bool, error) {
	msgs, err := a.messages()
	if err != nil {
		return nil, err
	}
	if err := a.limiter.WaitN(ctx, quotaUnitsPerMessagesList); err != nil {
		return nil, err
	}
	req := msgs.List("me").LabelIds(labels...).Q("-in:chats")
	ids := make(map[string]bool)
	err = req.Pages(ctx, func(page *gmail.ListMessagesResponse) (err error) {
		for _, msg := range page.Messages {
			ids[msg.Id] = true
		}
		slog.Debug("listed page of Gmail messages", "labels", labels, "count", len(page.Messages), "total", len(ids))
		if page.NextPageToken != "" {
			err = a.limiter.WaitN(ctx, quotaUnitsPerMessagesList)
		}
		return
	})
	if err != nil {
		return nil, errors.Wrap(err, "unable to retrieve all messages")
	}
	return ids, nil
}

func (a *Account) getMessage(ctx context.Context, id, format string) (*gmail.Message, error) {
	msgs, err := a.messages()
	if err != nil {
		return nil, err
	}
	var msg *gmail.Message
	err = a.do(ctx, quotaUnitsMessagesGet, func() (err error) {
		msg, err = msgs.Get("me", id).Context(ctx).Format(format).Do()
		return
	})
	if err == nil && isChat(msg) {
		err = cloud.ErrMessageNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "getting message %v from gmail", id)
	}
	return msg, nil
}

func (a *Account) historyID(ctx context.Context) (uint64, error) {
	a.mu.Lock()
	svc := a.service
	a.mu.Unlock()
	if svc == nil {
		return 0, errors.New("gmail account is not connected")
	}
	var h uint64
	err := a.do(ctx, quotaUnitsPerGetProfile, func() error {
		u, err := gmail.NewUsersService(svc).GetProfile("me").Context(ctx).Do()
		if err != nil {
			return err
		}
		h = u.HistoryId
		return nil
	})
	return h, err
}
