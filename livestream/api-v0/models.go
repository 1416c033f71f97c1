/*
 * SPDX-License-Identifier: AGPL-3.0-or-later
 * Copyright 2020 Kopano and its licensors
 */

package api

import (
	"encoding/json"
	"fmt"
	"net/http"
)

type CollectionResource struct {
	ODataContext  string `json:"@odata.context"`
	ODataNextLink string `json:"@odata.nextLink,omitempty"`

	Values Collection `json:"values"`
}

type Collection interface{}

// NewCollectionResource wraps values into a CollectionResource for req.
func NewCollectionResource(values Collection, req *http.Request, nextLink *string) *CollectionResource {
	resource := &CollectionResource{
		ODataContext: odataContext(req),
		Values:       values,
	}
	if nextLink != nil {
		resource.ODataNextLink = *nextLink
	}
	return resource
}

type ItemResource struct {
	ODataContext string `json:"@odata.context"`
	Item
}

type Item interface{}

// NewItemResource wraps item into an ItemResource for req.
func NewItemResource(item Item, req *http.Request) *ItemResource {
	return &ItemResource{
		ODataContext: odataContext(req),
		Item:         item,
	}
}

// MarshalJSON inlines the fields of the item next to the odata context.
func (r *ItemResource) MarshalJSON() ([]byte, error) {
	item, err := json.Marshal(r.Item)
	if err != nil {
		return nil, err
	}
	if len(item) < 2 || item[0] != '{' {
		return json.Marshal(&struct {
			ODataContext string `json:"@odata.context"`
			Value        Item   `json:"value"`
		}{r.ODataContext, r.Item})
	}
	context, err := json.Marshal(r.ODataContext)
	if err != nil {
		return nil, err
	}
	b := make([]byte, 0, len(item)+len(context)+20)
	b = append(b, `{"@odata.context":`...)
	b = append(b, context...)
	if len(item) > 2 {
		b = append(b, ',')
	}
	b = append(b, item[1:]...)
	return b, nil
}

type ErrorResource struct {
	Error interface{}
}

type ErrorWithCodeAndMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`

	innerError error
}

func NewErrorWithCodeAndMessage(code string, message string, err error) *ErrorWithCodeAndMessage {
	return &ErrorWithCodeAndMessage{
		Code:    code,
		Message: message,

		innerError: err,
	}
}

func (err *ErrorWithCodeAndMessage) Error() string {
	code := err.Code
	message := err.Message
	if message == "" && err.innerError != nil {
		message = err.innerError.Error()
	}

	return fmt.Sprintf("%s: %s", code, message)
}

func (err *ErrorWithCodeAndMessage) Unwrap() error {
	return err.innerError
}

// SuccessResource is the response of operations without a result.
type SuccessResource struct {
	Success bool `json:"success"`
}
