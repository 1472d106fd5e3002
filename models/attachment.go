package models

// Attachment is a local file attached to a message. Pointer is filled once uploaded.
type Attachment struct {
	ID          string             `json:"id"`
	ContentType string             `json:"content_type"`
	FileName    string             `json:"file_name,omitempty"`
	Size        int64              `json:"size"`
	Data        []byte             `json:"data,omitempty"`
	Pointer     *AttachmentPointer `json:"pointer,omitempty"`
}

// AttachmentPointer is what travels on the wire in place of attachment bytes.
type AttachmentPointer struct {
	ID          string `json:"id"`
	ContentType string `json:"content_type"`
	FileName    string `json:"file_name,omitempty"`
	Size        int64  `json:"size"`
	URL         string `json:"url"`
	Digest      string `json:"digest"`
	Key         []byte `json:"key"`
}

// Quote references an earlier message by its sent timestamp.
type Quote struct {
	ID          int64              `json:"id"`
	Author      string             `json:"author"`
	Text        string             `json:"text,omitempty"`
	Attachments []QuotedAttachment `json:"attachments,omitempty"`
}

// QuotedAttachment is a quoted file with an optional thumbnail.
type QuotedAttachment struct {
	ContentType string      `json:"content_type"`
	FileName    string      `json:"file_name,omitempty"`
	Thumbnail   *Attachment `json:"thumbnail,omitempty"`
}

// Preview is a link preview.
type Preview struct {
	URL   string      `json:"url"`
	Title string      `json:"title,omitempty"`
	Image *Attachment `json:"image,omitempty"`
}

func (a *Attachment) clone() *Attachment {
	if a == nil {
		return nil
	}
	out := *a
	if a.Pointer != nil {
		pointer := *a.Pointer
		pointer.Key = append([]byte(nil), a.Pointer.Key...)
		out.Pointer = &pointer
	}
	return &out
}

func cloneAttachments(in []Attachment) []Attachment {
	if in == nil {
		return nil
	}
	out := make([]Attachment, len(in))
	for i := range in {
		out[i] = *in[i].clone()
	}
	return out
}

func clonePreviews(in []Preview) []Preview {
	if in == nil {
		return nil
	}
	out := make([]Preview, len(in))
	for i, preview := range in {
		preview.Image = preview.Image.clone()
		out[i] = preview
	}
	return out
}

func (q *Quote) clone() *Quote {
	if q == nil {
		return nil
	}
	out := *q
	if q.Attachments != nil {
		out.Attachments = make([]QuotedAttachment, len(q.Attachments))
		for i, quoted := range q.Attachments {
			quoted.Thumbnail = quoted.Thumbnail.clone()
			out.Attachments[i] = quoted
		}
	}
	return &out
}
