package supervisor

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/pixlcore/xysat-beta/pkg/types"
)

var filenameSanitizer = regexp.MustCompile(`[^\w\-\+\.\,\s\(\)\[\]\{\}\'\"\!\&\^\%\$\#\@\*\?\~]+`)

// downloadInputs fetches declared input files into the job's working
// directory, one at a time. Remote runner jobs fetch their own inputs.
func (s *Supervisor) downloadInputs(job *types.Job, details map[string]any) error {
	if job.Runner {
		return nil
	}
	input, _ := details["input"].(map[string]any)
	files, _ := input["files"].([]any)
	for _, f := range files {
		fm, _ := f.(map[string]any)
		filename, _ := fm["filename"].(string)
		path, _ := fm["path"].(string)
		size, _ := fm["size"].(float64)
		if filename == "" || path == "" {
			continue
		}
		dest := filepath.Join(job.CWD, filename)
		url := s.baseURL() + "/" + path
		s.logger.Debug().Str("job_id", job.ID).Str("url", url).Msg("Downloading job file")
		s.appendMetaLog(job, fmt.Sprintf("Downloading file: %s (%s)", filename, textBytes(int64(size))))
		if err := s.downloadFile(url, dest); err != nil {
			return fmt.Errorf("failed to download job file: %s: %w", filename, err)
		}
		delete(fm, "path")
	}
	return nil
}

func (s *Supervisor) downloadFile(url, dest string) error {
	resp, err := s.client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %s", resp.Status)
	}
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, resp.Body)
	return err
}

// prepUploadFiles resolves the job's declared output files (globbing
// pattern entries relative to the working directory) and uploads them
func (s *Supervisor) prepUploadFiles(job *types.Job) error {
	s.mu.Lock()
	files := job.Files
	job.Files = nil
	cwd := job.CWD
	runner := bool(job.Runner)
	s.mu.Unlock()

	if len(files) == 0 || runner {
		return nil
	}

	var toUpload []types.JobFile
	for _, file := range files {
		if file.Path == "" {
			continue
		}
		path := file.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(cwd, path)
		}
		if file.Filename != "" {
			// explicit filename disables globbing
			file.Path = path
			toUpload = append(toUpload, file)
			continue
		}
		matches, err := doublestar.FilepathGlob(path)
		if err != nil {
			continue
		}
		for _, match := range matches {
			toUpload = append(toUpload, types.JobFile{ID: file.ID, Path: match, Delete: file.Delete})
		}
	}

	return s.uploadFiles(job, toUpload)
}

// UploadAuth returns the form fields authenticating a job file upload:
// a SHA-256 digest of job id + secret key, or the server id paired with
// the static auth token when no secret is configured
func (s *Supervisor) UploadAuth(jobID string) map[string]string {
	if secret := s.cfg.GetString("secret_key"); secret != "" {
		sum := sha256.Sum256([]byte(jobID + secret))
		return map[string]string{"auth": hex.EncodeToString(sum[:])}
	}
	return map[string]string{
		"server": s.cfg.GetString("server_id"),
		"auth":   s.cfg.GetString("auth_token"),
	}
}

func (s *Supervisor) uploadFiles(job *types.Job, files []types.JobFile) error {
	if len(files) == 0 {
		return nil
	}
	serverID := s.cfg.GetString("server_id")
	var final []types.JobFile

	for _, file := range files {
		name := file.Filename
		if name == "" {
			name = filepath.Base(file.Path)
		}
		name = filenameSanitizer.ReplaceAllString(filepath.Base(name), "_")

		s.logger.Debug().Str("job_id", job.ID).Str("file", file.Path).Msg("Uploading file for job")
		s.appendMetaLog(job, "Uploading file: "+name)

		key, size, err := s.uploadOne(job, file.Path, name)
		if err != nil {
			return fmt.Errorf("failed to upload job file: %s: %w", name, err)
		}

		id := file.ID
		if id == "" {
			id = types.ShortID("f")
		}
		final = append(final, types.JobFile{
			ID:       id,
			Date:     time.Now().Unix(),
			Filename: name,
			Path:     key,
			Size:     size,
			Server:   serverID,
			Job:      job.ID,
		})
		if file.Delete {
			os.Remove(file.Path)
		}
	}

	s.mu.Lock()
	job.Files = final
	s.mu.Unlock()
	s.logger.Debug().Str("job_id", job.ID).Int("count", len(final)).Msg("All files uploaded")
	return nil
}

// uploadOne streams one file as a multipart POST to the conductor's upload
// endpoint, returning the storage key and stored size
func (s *Supervisor) uploadOne(job *types.Job, path, filename string) (string, int64, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)

	go func() {
		writeErr := func() error {
			if err := mw.WriteField("id", job.ID); err != nil {
				return err
			}
			for key, val := range s.UploadAuth(job.ID) {
				if err := mw.WriteField(key, val); err != nil {
					return err
				}
			}
			part, err := mw.CreateFormFile("file1", filename)
			if err != nil {
				return err
			}
			f, err := os.Open(path)
			if err != nil {
				return err
			}
			defer f.Close()
			if _, err := io.Copy(part, f); err != nil {
				return err
			}
			return mw.Close()
		}()
		pw.CloseWithError(writeErr)
	}()

	url := s.baseURL() + "/api/app/upload_job_file"
	resp, err := s.client.Post(url, mw.FormDataContentType(), pr)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1024*1024))
	if err != nil {
		return "", 0, err
	}
	var result struct {
		Code        *types.Code `json:"code,omitempty"`
		Description string      `json:"description,omitempty"`
		Key         string      `json:"key,omitempty"`
		Size        int64       `json:"size,omitempty"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", 0, err
	}
	if result.Code != nil && !result.Code.IsZero() && result.Description != "" {
		return "", 0, fmt.Errorf("%s", result.Description)
	}
	return result.Key, result.Size, nil
}
