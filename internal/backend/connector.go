package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"time"

	"github.com/canchenlee/foodscan/internal/recognition"
)

const (
	recognitionPath = "/nutritionestimation"
	collectionPath  = "/densitycollect"

	// Uploads carry a full depth map and can take a while on a slow link;
	// the backend itself runs with a 300 second worker timeout.
	defaultTimeout = 300 * time.Second
)

// ErrConnectionLost is returned when the request could not be delivered or
// the response could not be read. Callers handle it the same way as an
// unexpected response, but the two stay distinguishable in logs.
var ErrConnectionLost = errors.New("connection to recognition backend lost")

// Connector talks to the recognition backend. It performs no retries: a
// failed call is reported once and resubmission is the caller's decision.
type Connector struct {
	baseURL    string
	httpClient *http.Client
}

// NewConnector creates a Connector for the given backend base URL. A nil
// client gets a default with a generous upload timeout.
func NewConnector(baseURL string, client *http.Client) *Connector {
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	return &Connector{baseURL: baseURL, httpClient: client}
}

// GetRecognitionResult uploads one capture's artifacts and returns the
// parsed recognition outcome. peripheral is the encoded sensor bundle JSON
// and image the JPEG color capture.
func (c *Connector) GetRecognitionResult(
	ctx context.Context,
	token string,
	sessionID string,
	peripheral []byte,
	image []byte,
) (*recognition.SessionResult, error) {
	form := &multipartForm{}
	form.addFile("image", "image.jpg", "image/jpg", image)
	form.addFile("peripheral", "peripheral.json", "text/plain", peripheral)
	form.addValue("session_id", sessionID)
	form.addValue("token", token)

	body, err := c.post(ctx, recognitionPath, form)
	if err != nil {
		return nil, err
	}

	session, err := recognition.ParseSessionResult(body)
	if err != nil {
		return nil, fmt.Errorf("parsing recognition response: %w", err)
	}
	return session, nil
}

// CollectionSubmission is the payload of one density-collection upload.
type CollectionSubmission struct {
	Peripheral      []byte
	Image           []byte
	AdditionalImage []byte
	FoodName        string
	// Weight is the net food weight, already validated by the caller and
	// transmitted as decimal text.
	Weight string
}

type collectionResponse struct {
	Status string `json:"status"`
}

// SubmitDensityCollection uploads one labeled training sample. The call
// succeeds only when the backend acknowledges with status "OK".
func (c *Connector) SubmitDensityCollection(
	ctx context.Context,
	token string,
	sessionID string,
	submission CollectionSubmission,
) error {
	form := &multipartForm{}
	form.addFile("image", "image.jpg", "image/jpg", submission.Image)
	form.addFile("additional", "additional.jpg", "image/jpg", submission.AdditionalImage)
	form.addFile("peripheral", "peripheral.json", "text/plain", submission.Peripheral)
	form.addValue("session_id", sessionID)
	form.addValue("token", token)
	form.addValue("name", submission.FoodName)
	form.addValue("weight", submission.Weight)

	body, err := c.post(ctx, collectionPath, form)
	if err != nil {
		return err
	}

	var resp collectionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("parsing collection response: %w: %v", recognition.ErrUnexpectedResponse, err)
	}
	if resp.Status != "OK" {
		return fmt.Errorf("collection status %q: %w", resp.Status, recognition.ErrUnexpectedResponse)
	}
	return nil
}

func (c *Connector) post(ctx context.Context, path string, form *multipartForm) ([]byte, error) {
	contentType, buf, err := form.encode()
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w: %v", ErrConnectionLost, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, buf)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w: %v", ErrConnectionLost, err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Printf("[BACKEND] Request to %s failed: %v", path, err)
		return nil, fmt.Errorf("sending request: %w: %v", ErrConnectionLost, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		log.Printf("[BACKEND] Reading response from %s failed: %v", path, err)
		return nil, fmt.Errorf("reading response: %w: %v", ErrConnectionLost, err)
	}

	if resp.StatusCode != http.StatusOK {
		log.Printf("[BACKEND] %s returned status %d", path, resp.StatusCode)
		return nil, fmt.Errorf("backend status %d: %w", resp.StatusCode, recognition.ErrUnexpectedResponse)
	}
	return body, nil
}

// multipartForm accumulates parts and encodes them in insertion order.
type multipartForm struct {
	parts []formPart
}

type formPart struct {
	field       string
	filename    string
	contentType string
	data        []byte
	value       string
	isFile      bool
}

func (f *multipartForm) addFile(field, filename, contentType string, data []byte) {
	f.parts = append(f.parts, formPart{
		field: field, filename: filename, contentType: contentType, data: data, isFile: true,
	})
}

func (f *multipartForm) addValue(field, value string) {
	f.parts = append(f.parts, formPart{field: field, value: value})
}

func (f *multipartForm) encode() (contentType string, body *bytes.Buffer, err error) {
	buf := &bytes.Buffer{}
	writer := multipart.NewWriter(buf)
	for _, part := range f.parts {
		if part.isFile {
			header := textproto.MIMEHeader{}
			header.Set("Content-Disposition",
				fmt.Sprintf(`form-data; name=%q; filename=%q`, part.field, part.filename))
			header.Set("Content-Type", part.contentType)
			w, err := writer.CreatePart(header)
			if err != nil {
				return "", nil, err
			}
			if _, err := w.Write(part.data); err != nil {
				return "", nil, err
			}
			continue
		}
		if err := writer.WriteField(part.field, part.value); err != nil {
			return "", nil, err
		}
	}
	if err := writer.Close(); err != nil {
		return "", nil, err
	}
	return writer.FormDataContentType(), buf, nil
}
