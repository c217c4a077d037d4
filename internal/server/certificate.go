package server

import (
	"encoding/base64"
	"errors"
	"io"
	"net/http"

	certdomain "github.com/gestionly/veriledger/internal/certvault/domain"
	"github.com/gin-gonic/gin"
)

const maxCertificateUploadBytes = 1 << 20

type uploadCertificateRequest struct {
	// Bundle is the PKCS#12 file, base64 encoded.
	Bundle   string `json:"bundle"`
	Password string `json:"password"`
}

// UploadCertificate accepts the bundle either as multipart form field
// "certificate" or as base64 JSON, matching how browser and CLI clients
// each want to send it.
func (s *Server) UploadCertificate(c *gin.Context) {
	bundle, password, err := readCertificateUpload(c)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	status, err := s.vaultSvc.Upload(c.Request.Context(), bundle, password)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"data": status})
}

func (s *Server) GetCertificateStatus(c *gin.Context) {
	status, err := s.vaultSvc.Status(c.Request.Context())
	if err != nil {
		if errors.Is(err, certdomain.ErrNoActiveCertificate) {
			AbortWithError(c, ErrNotFound)
			return
		}
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": status})
}

func (s *Server) RevokeCertificate(c *gin.Context) {
	status, err := s.vaultSvc.Revoke(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": status})
}

func (s *Server) SelfCheck(c *gin.Context) {
	report, err := s.complianceSvc.SelfCheck(c.Request.Context())
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": report})
}

func readCertificateUpload(c *gin.Context) ([]byte, string, error) {
	if file, err := c.FormFile("certificate"); err == nil {
		if file.Size > maxCertificateUploadBytes {
			return nil, "", newValidationError("certificate", "too_large", "certificate bundle too large")
		}
		f, err := file.Open()
		if err != nil {
			return nil, "", err
		}
		defer f.Close()
		bundle, err := io.ReadAll(io.LimitReader(f, maxCertificateUploadBytes))
		if err != nil {
			return nil, "", err
		}
		return bundle, c.PostForm("password"), nil
	}

	var req uploadCertificateRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Bundle == "" {
		return nil, "", newValidationError("bundle", "missing_bundle", "certificate bundle required")
	}
	bundle, err := base64.StdEncoding.DecodeString(req.Bundle)
	if err != nil {
		return nil, "", newValidationError("bundle", "invalid_base64", "certificate bundle must be base64")
	}
	if len(bundle) > maxCertificateUploadBytes {
		return nil, "", newValidationError("bundle", "too_large", "certificate bundle too large")
	}
	return bundle, req.Password, nil
}
