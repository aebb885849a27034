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

package office365

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/matta/cloudmdir/internal/cloud"
	"github.com/matta/cloudmdir/internal/mailbox"
	"github.com/matta/cloudmdir/internal/message"
	abstractions "github.com/microsoft/kiota-abstractions-go"
	"github.com/microsoftgraph/msgraph-sdk-go/models"
	"github.com/microsoftgraph/msgraph-sdk-go/models/odataerrors"
	"github.com/microsoftgraph/msgraph-sdk-go/users"
	msgraphcore "github.com/microsoftgraph/msgraph-sdk-go-core"
	"github.com/pkg/errors"
)

const (
	graphURL = "https://graph.microsoft.com/v1.0"

	// Well known folder receiving deleted messages.
	deletedItems = "deleteditems"

	pageSize = 500
)

// Folder is one mail folder of an Account.  It implements
// cloud.Provider.
type Folder struct {
	account *Account

	// A well known folder name (e.g. "inbox") or a folder id.
	folder string
}

func NewFolder(account *Account, folder string) *Folder {
	return &Folder{account: account, folder: folder}
}

func (f *Folder) Setup(ctx context.Context) error {
	return f.account.Connect(ctx)
}

// Close is a no-op; the account is closed by its owner.
func (f *Folder) Close() error { return nil }

// Graph has no replied flag a client may set.
func (f *Folder) Flags() message.Flags {
	return message.Seen | message.Flagged
}

func (f *Folder) wait(ctx context.Context) error {
	return f.account.limiter.Wait(ctx)
}

func (f *Folder) List(ctx context.Context) ([]cloud.Remote, error) {
	client := f.account.graph()
	if client == nil {
		return nil, errors.New("office365 account is not connected")
	}
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	top := int32(pageSize)
	cfg := &users.ItemMailFoldersItemMessagesRequestBuilderGetRequestConfiguration{
		QueryParameters: &users.ItemMailFoldersItemMessagesRequestBuilderGetQueryParameters{
			Select: []string{"id", "isRead", "flag", "receivedDateTime"},
			Top:    &top,
		},
	}
	resp, err := client.Me().MailFolders().ByMailFolderId(f.folder).Messages().Get(ctx, cfg)
	if err != nil {
		return nil, errors.Wrapf(classify(err), "listing folder %s", f.folder)
	}
	it, err := msgraphcore.NewPageIterator[models.Messageable](resp, client.GetAdapter(), models.CreateMessageCollectionResponseFromDiscriminatorValue)
	if err != nil {
		return nil, errors.Wrap(err, "paging folder listing")
	}

	var out []cloud.Remote
	err = it.Iterate(ctx, func(m models.Messageable) bool {
		if r, ok := remote(m); ok {
			out = append(out, r)
		}
		return true
	})
	if err != nil {
		return nil, errors.Wrapf(classify(err), "listing folder %s", f.folder)
	}
	slog.Debug("Listed Graph folder", "folder", f.folder, "count", len(out))
	return out, nil
}

// remote converts a listed Graph message.
func remote(m models.Messageable) (cloud.Remote, bool) {
	id := m.GetId()
	if id == nil {
		return cloud.Remote{}, false
	}
	r := cloud.Remote{ID: *id}
	if read := m.GetIsRead(); read != nil && *read {
		r.Flags |= message.Seen
	}
	if fl := m.GetFlag(); fl != nil {
		if st := fl.GetFlagStatus(); st != nil && *st == models.FLAGGED_FOLLOWUPFLAGSTATUS {
			r.Flags |= message.Flagged
		}
	}
	if t := m.GetReceivedDateTime(); t != nil {
		r.Received = *t
	}
	return r, true
}

func (f *Folder) Fetch(ctx context.Context, id string) ([]byte, error) {
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	raw, err := f.account.graph().Me().Messages().ByMessageId(id).Content().Get(ctx, nil)
	if err != nil {
		return nil, classify(err)
	}
	return raw, nil
}

// patch builds the update setting flags.
func patch(flags message.Flags) models.Messageable {
	read := flags&message.Seen != 0
	status := models.NOTFLAGGED_FOLLOWUPFLAGSTATUS
	if flags&message.Flagged != 0 {
		status = models.FLAGGED_FOLLOWUPFLAGSTATUS
	}
	fl := models.NewFollowupFlag()
	fl.SetFlagStatus(&status)
	m := models.NewMessage()
	m.SetIsRead(&read)
	m.SetFlag(fl)
	return m
}

func (f *Folder) SetFlags(ctx context.Context, id string, flags message.Flags) error {
	if err := f.wait(ctx); err != nil {
		return err
	}
	_, err := f.account.graph().Me().Messages().ByMessageId(id).Patch(ctx, patch(flags), nil)
	return classify(err)
}

func (f *Folder) Delete(ctx context.Context, id string) error {
	if err := f.wait(ctx); err != nil {
		return err
	}
	body := users.NewItemMessagesItemMovePostRequestBody()
	dest := deletedItems
	body.SetDestinationId(&dest)
	_, err := f.account.graph().Me().Messages().ByMessageId(id).Move().Post(ctx, body, nil)
	return classify(err)
}

// Upload creates a message from its MIME form.  The Graph SDK has no
// typed request for a MIME body, so the request is made directly.
func (f *Folder) Upload(ctx context.Context, raw []byte, flags message.Flags) (string, error) {
	if err := f.wait(ctx); err != nil {
		return "", err
	}
	u := graphURL + "/me/mailFolders/" + url.PathEscape(f.folder) + "/messages"
	enc := base64.StdEncoding.EncodeToString(raw)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader([]byte(enc)))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "text/plain")

	client := f.account.httpClient()
	if client == nil {
		return "", errors.New("office365 account is not connected")
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", mailbox.Retryable(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		err := errors.Errorf("uploading message: %s: %s", resp.Status, msg)
		if retryableStatus(resp.StatusCode) {
			err = mailbox.Retryable(err)
		}
		return "", err
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return "", errors.Wrap(err, "decoding upload response")
	}
	if created.ID == "" {
		return "", errors.New("upload response carries no message id")
	}

	// MIME uploads arrive unread and unflagged.
	if err := f.SetFlags(ctx, created.ID, flags); err != nil {
		return "", err
	}
	return created.ID, nil
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// classify maps Graph errors onto the sentinel and retry conventions
// of package cloud.
func classify(err error) error {
	if err == nil {
		return nil
	}
	status := 0
	var oe *odataerrors.ODataError
	var ae *abstractions.ApiError
	switch {
	case errors.As(err, &oe):
		status = oe.ResponseStatusCode
	case errors.As(err, &ae):
		status = ae.ResponseStatusCode
	}
	switch {
	case status == http.StatusNotFound:
		return errors.Wrap(cloud.ErrMessageNotFound, err.Error())
	case retryableStatus(status):
		return mailbox.Retryable(err)
	}
	return err
}

