// Copyright 2025 The mcpwire Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mcp

import (
	"encoding/json"
	"fmt"
)

// Content is the interface of all content blocks: [TextContent],
// [ImageContent], [AudioContent], [ResourceLink] and [EmbeddedResource].
type Content interface {
	toWire() *wireContent
}

// TextContent is a content block holding text.
type TextContent struct {
	Text        string       `json:"text"`
	Meta        Meta         `json:"_meta,omitempty"`
	Annotations *Annotations `json:"annotations,omitempty"`
}

func (c *TextContent) toWire() *wireContent {
	return &wireContent{
		Type:        "text",
		Text:        c.Text,
		Meta:        c.Meta,
		Annotations: c.Annotations,
	}
}

func (c *TextContent) MarshalJSON() ([]byte, error) {
	// A TextContent's Text is not omitempty on the wire.
	return json.Marshal(c.toWire())
}

func (c *TextContent) UnmarshalJSON(data []byte) error {
	return unmarshalContent(data, "text", func(w *wireContent) {
		*c = TextContent{Text: w.Text, Meta: w.Meta, Annotations: w.Annotations}
	})
}

// ImageContent is a content block holding a base64-encoded image.
type ImageContent struct {
	Data        []byte       `json:"data"`
	MIMEType    string       `json:"mimeType"`
	Meta        Meta         `json:"_meta,omitempty"`
	Annotations *Annotations `json:"annotations,omitempty"`
}

func (c *ImageContent) toWire() *wireContent {
	return &wireContent{
		Type:        "image",
		Data:        c.Data,
		MIMEType:    c.MIMEType,
		Meta:        c.Meta,
		Annotations: c.Annotations,
	}
}

func (c *ImageContent) MarshalJSON() ([]byte, error) { return json.Marshal(c.toWire()) }

func (c *ImageContent) UnmarshalJSON(data []byte) error {
	return unmarshalContent(data, "image", func(w *wireContent) {
		*c = ImageContent{Data: w.Data, MIMEType: w.MIMEType, Meta: w.Meta, Annotations: w.Annotations}
	})
}

// AudioContent is a content block holding base64-encoded audio.
type AudioContent struct {
	Data        []byte       `json:"data"`
	MIMEType    string       `json:"mimeType"`
	Meta        Meta         `json:"_meta,omitempty"`
	Annotations *Annotations `json:"annotations,omitempty"`
}

func (c *AudioContent) toWire() *wireContent {
	return &wireContent{
		Type:        "audio",
		Data:        c.Data,
		MIMEType:    c.MIMEType,
		Meta:        c.Meta,
		Annotations: c.Annotations,
	}
}

func (c *AudioContent) MarshalJSON() ([]byte, error) { return json.Marshal(c.toWire()) }

func (c *AudioContent) UnmarshalJSON(data []byte) error {
	return unmarshalContent(data, "audio", func(w *wireContent) {
		*c = AudioContent{Data: w.Data, MIMEType: w.MIMEType, Meta: w.Meta, Annotations: w.Annotations}
	})
}

// ResourceLink is a content block referencing a resource by URI without
// embedding its contents.
type ResourceLink struct {
	URI         string       `json:"uri"`
	Name        string       `json:"name"`
	Title       string       `json:"title,omitempty"`
	Description string       `json:"description,omitempty"`
	MIMEType    string       `json:"mimeType,omitempty"`
	Size        int64        `json:"size,omitempty"`
	Meta        Meta         `json:"_meta,omitempty"`
	Annotations *Annotations `json:"annotations,omitempty"`
}

func (c *ResourceLink) toWire() *wireContent {
	return &wireContent{
		Type:        "resource_link",
		URI:         c.URI,
		Name:        c.Name,
		Title:       c.Title,
		Description: c.Description,
		MIMEType:    c.MIMEType,
		Size:        c.Size,
		Meta:        c.Meta,
		Annotations: c.Annotations,
	}
}

func (c *ResourceLink) MarshalJSON() ([]byte, error) { return json.Marshal(c.toWire()) }

func (c *ResourceLink) UnmarshalJSON(data []byte) error {
	return unmarshalContent(data, "resource_link", func(w *wireContent) {
		*c = ResourceLink{
			URI: w.URI, Name: w.Name, Title: w.Title, Description: w.Description,
			MIMEType: w.MIMEType, Size: w.Size, Meta: w.Meta, Annotations: w.Annotations,
		}
	})
}

// EmbeddedResource is a content block embedding resource contents.
type EmbeddedResource struct {
	Resource    *ResourceContents `json:"resource"`
	Meta        Meta              `json:"_meta,omitempty"`
	Annotations *Annotations      `json:"annotations,omitempty"`
}

func (c *EmbeddedResource) toWire() *wireContent {
	return &wireContent{
		Type:        "resource",
		Resource:    c.Resource,
		Meta:        c.Meta,
		Annotations: c.Annotations,
	}
}

func (c *EmbeddedResource) MarshalJSON() ([]byte, error) { return json.Marshal(c.toWire()) }

func (c *EmbeddedResource) UnmarshalJSON(data []byte) error {
	return unmarshalContent(data, "resource", func(w *wireContent) {
		*c = EmbeddedResource{Resource: w.Resource, Meta: w.Meta, Annotations: w.Annotations}
	})
}

// ResourceContents is the payload of a read resource: exactly one of Text or
// Blob is set.
type ResourceContents struct {
	URI      string `json:"uri"`
	MIMEType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     []byte `json:"blob,omitempty"`
	Meta     Meta   `json:"_meta,omitempty"`
}

// wireContent is the single wire representation of every content block,
// discriminated by Type.
type wireContent struct {
	Type        string            `json:"type"`
	Text        string            `json:"text,omitempty"`
	Data        []byte            `json:"data,omitempty"`
	MIMEType    string            `json:"mimeType,omitempty"`
	URI         string            `json:"uri,omitempty"`
	Name        string            `json:"name,omitempty"`
	Title       string            `json:"title,omitempty"`
	Description string            `json:"description,omitempty"`
	Size        int64             `json:"size,omitempty"`
	Resource    *ResourceContents `json:"resource,omitempty"`
	Meta        Meta              `json:"_meta,omitempty"`
	Annotations *Annotations      `json:"annotations,omitempty"`
}

func unmarshalContent(data []byte, wantType string, set func(*wireContent)) error {
	var w wireContent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.Type != wantType {
		return fmt.Errorf("unmarshaling content: got type %q, want %q", w.Type, wantType)
	}
	set(&w)
	return nil
}

func contentFromWire(w *wireContent) (Content, error) {
	if w == nil {
		return nil, fmt.Errorf("missing content")
	}
	switch w.Type {
	case "text":
		return &TextContent{Text: w.Text, Meta: w.Meta, Annotations: w.Annotations}, nil
	case "image":
		return &ImageContent{Data: w.Data, MIMEType: w.MIMEType, Meta: w.Meta, Annotations: w.Annotations}, nil
	case "audio":
		return &AudioContent{Data: w.Data, MIMEType: w.MIMEType, Meta: w.Meta, Annotations: w.Annotations}, nil
	case "resource_link":
		return &ResourceLink{
			URI: w.URI, Name: w.Name, Title: w.Title, Description: w.Description,
			MIMEType: w.MIMEType, Size: w.Size, Meta: w.Meta, Annotations: w.Annotations,
		}, nil
	case "resource":
		return &EmbeddedResource{Resource: w.Resource, Meta: w.Meta, Annotations: w.Annotations}, nil
	}
	return nil, fmt.Errorf("unrecognized content type %q", w.Type)
}

func contentsFromWire(wires []*wireContent) ([]Content, error) {
	var out []Content
	for _, w := range wires {
		c, err := contentFromWire(w)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}
