package vaulthandler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/ruteri/threshold-vault-backend/interfaces"
	"github.com/ruteri/threshold-vault-backend/quorum"
	"github.com/ruteri/threshold-vault-backend/recovery"
	"github.com/ruteri/threshold-vault-backend/vault"
)

const (
	UserIDHeader          = "X-User-ID"
	SessionHeader         = "X-Vault-Session"
	GroupSessionKeyHeader = "X-Group-Session-Key"

	maxBodySize = 1 << 20
)

type userIDKey struct{}

// Handler serves the vault API.
type Handler struct {
	vaults   *vault.Service
	recovery *recovery.Service
	quorum   *quorum.Service
	log      *slog.Logger
}

func NewHandler(vaults *vault.Service, recovery *recovery.Service, quorum *quorum.Service, log *slog.Logger) *Handler {
	return &Handler{
		vaults:   vaults,
		recovery: recovery,
		quorum:   quorum,
		log:      log,
	}
}

func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		// Contacts submit shards without an account; the shard itself
		// authenticates them.
		r.Post("/recovery/requests/{request_id}/shards", h.HandleSubmitShard)
		r.Get("/recovery/requests/{request_id}", h.HandleRecoveryStatus)

		r.Group(func(r chi.Router) {
			r.Use(requireUser)

			r.Post("/vault", h.HandleCreate)
			r.Get("/vault", h.HandleExists)
			r.Post("/vault/unlock", h.HandleUnlock)
			r.Post("/vault/lock", h.HandleLock)
			r.Post("/vault/session/extend", h.HandleExtendSession)
			r.Get("/vault/data", h.HandleReadData)
			r.Put("/vault/data", h.HandleUpdateData)
			r.Post("/vault/password", h.HandleChangePassword)
			r.Get("/vault/export", h.HandleExport)
			r.Post("/vault/import", h.HandleImport)
			r.Post("/vault/backups", h.HandleExportBackup)
			r.Post("/vault/backups/{content_id}/restore", h.HandleRestoreBackup)

			r.Get("/recovery/methods", h.HandleListMethods)
			r.Delete("/recovery/methods/{method}", h.HandleDisableMethod)
			r.Post("/recovery/social", h.HandleSetupSocial)
			r.Post("/recovery/hardware", h.HandleSetupHardware)
			r.Post("/recovery/hardware/recover", h.HandleRecoverHardware)
			r.Post("/recovery/phrase/recover", h.HandleRecoverPhrase)
			r.Post("/recovery/requests", h.HandleInitiateRecovery)
			r.Post("/recovery/requests/{request_id}/complete", h.HandleCompleteRecovery)
			r.Delete("/recovery/requests/{request_id}", h.HandleCancelRecovery)

			r.Post("/groups/{group_id}/unlock-requests", h.HandleRequestGroupUnlock)
			r.Post("/groups/unlock-requests/{request_id}/approve", h.HandleApproveGroupUnlock)
			r.Delete("/groups/unlock-requests/{request_id}", h.HandleCancelGroupUnlock)
			r.Post("/groups/{group_id}/lock", h.HandleLockGroup)
			r.Get("/groups/{group_id}/status", h.HandleGroupStatus)
		})

		r.Get("/groups/{group_id}/vault", h.HandleReadGroupVault)
		r.Put("/groups/{group_id}/vault", h.HandleWriteGroupVault)
		r.Post("/groups/{group_id}/vault/backups", h.HandleExportGroupBackup)
		r.Post("/groups/{group_id}/vault/backups/{content_id}/restore", h.HandleRestoreGroupBackup)
	})
}

func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID := r.Header.Get(UserIDHeader)
		if userID == "" {
			writeJSON(w, http.StatusUnauthorized, errorResponse{Error: authFailedMessage})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey{}, userID)))
	})
}

func userID(r *http.Request) string {
	id, _ := r.Context().Value(userIDKey{}).(string)
	return id
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		return fmt.Errorf("%w: could not read body: %v", interfaces.ErrInvalidArgument, err)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("%w: malformed request: %v", interfaces.ErrInvalidArgument, err)
	}
	return nil
}

// Vault

type createRequest struct {
	Password string `json:"password"`
	Data     []byte `json:"data"`
}

type createResponse struct {
	RecoveryPhrase string `json:"recovery_phrase"`
}

type passwordRequest struct {
	Password string `json:"password"`
}

type unlockResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Data      []byte    `json:"data"`
}

type dataRequest struct {
	Data     []byte `json:"data"`
	Password string `json:"password,omitempty"`
}

type dataResponse struct {
	Data []byte `json:"data"`
}

type changePasswordRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

type importRequest struct {
	Backup   json.RawMessage `json:"backup"`
	Password string          `json:"password"`
}

type backupResponse struct {
	ContentID string `json:"content_id"`
}

type expiresResponse struct {
	ExpiresAt time.Time `json:"expires_at"`
}

// HandleCreate creates the caller's vault and returns the recovery phrase,
// which is shown only once.
//
// URL format: POST /api/vault
func (h *Handler) HandleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.Password == "" {
		h.writeError(w, r, fmt.Errorf("%w: password is required", interfaces.ErrInvalidArgument))
		return
	}
	phrase, err := h.vaults.Create(r.Context(), userID(r), []byte(req.Password), req.Data)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, createResponse{RecoveryPhrase: phrase})
}

func (h *Handler) HandleExists(w http.ResponseWriter, r *http.Request) {
	exists, err := h.vaults.Exists(r.Context(), userID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"exists": exists})
}

// HandleUnlock opens a vault session.
//
// URL format: POST /api/vault/unlock
func (h *Handler) HandleUnlock(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.vaults.Unlock(r.Context(), userID(r), []byte(req.Password))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, unlockResponse{Token: res.Token, ExpiresAt: res.ExpiresAt, Data: res.Data})
}

func (h *Handler) HandleLock(w http.ResponseWriter, r *http.Request) {
	if err := h.vaults.Lock(r.Context(), userID(r), r.Header.Get(SessionHeader)); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleExtendSession(w http.ResponseWriter, r *http.Request) {
	expiresAt, err := h.vaults.ExtendSession(r.Context(), userID(r), r.Header.Get(SessionHeader))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, expiresResponse{ExpiresAt: expiresAt})
}

func (h *Handler) HandleReadData(w http.ResponseWriter, r *http.Request) {
	data, err := h.vaults.ReadData(r.Context(), userID(r), r.Header.Get(SessionHeader))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dataResponse{Data: data})
}

// HandleUpdateData replaces the vault data. The request is authorized by the
// session header, or by a password in the body when no session is sent.
//
// URL format: PUT /api/vault/data
func (h *Handler) HandleUpdateData(w http.ResponseWriter, r *http.Request) {
	var req dataRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	var err error
	if token := r.Header.Get(SessionHeader); token != "" {
		err = h.vaults.UpdateData(r.Context(), userID(r), token, req.Data)
	} else {
		err = h.vaults.UpdateDataWithPassword(r.Context(), userID(r), []byte(req.Password), req.Data)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.NewPassword == "" {
		h.writeError(w, r, fmt.Errorf("%w: new password is required", interfaces.ErrInvalidArgument))
		return
	}
	if err := h.vaults.ChangePassword(r.Context(), userID(r), []byte(req.OldPassword), []byte(req.NewPassword)); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleExport(w http.ResponseWriter, r *http.Request) {
	blob, err := h.vaults.Export(r.Context(), userID(r), r.Header.Get(SessionHeader))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", `attachment; filename="vault-backup.json"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(blob)
}

func (h *Handler) HandleImport(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.vaults.Import(r.Context(), userID(r), r.Header.Get(SessionHeader), req.Backup, []byte(req.Password)); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleExportBackup(w http.ResponseWriter, r *http.Request) {
	id, err := h.vaults.ExportBackup(r.Context(), userID(r), r.Header.Get(SessionHeader))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, backupResponse{ContentID: id.String()})
}

func (h *Handler) HandleRestoreBackup(w http.ResponseWriter, r *http.Request) {
	id, err := interfaces.NewContentIDFromHex(chi.URLParam(r, "content_id"))
	if err != nil {
		h.writeError(w, r, fmt.Errorf("%w: %v", interfaces.ErrInvalidArgument, err))
		return
	}
	var req passwordRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.vaults.RestoreBackup(r.Context(), userID(r), r.Header.Get(SessionHeader), id, []byte(req.Password)); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Recovery

type setupSocialRequest struct {
	Password  string             `json:"password"`
	Contacts  []recovery.Contact `json:"contacts"`
	Threshold int                `json:"threshold"`
}

type setupSocialResponse struct {
	RecoveryID  string `json:"recovery_id"`
	Threshold   int    `json:"threshold"`
	TotalShares int    `json:"total_shares"`
}

type setupHardwareResponse struct {
	BackupKey string `json:"backup_key"`
}

type recoverRequest struct {
	BackupKey   string `json:"backup_key,omitempty"`
	Phrase      string `json:"phrase,omitempty"`
	Token       string `json:"token,omitempty"`
	NewPassword string `json:"new_password"`
}

type initiateResponse struct {
	Request *interfaces.RecoveryRequest `json:"request"`
	// Token is empty when an already open request is returned.
	Token string `json:"token,omitempty"`
}

type submitShardRequest struct {
	ContactEmail string `json:"contact_email"`
	Shard        []byte `json:"shard"`
}

type recoveryStatusResponse struct {
	*interfaces.RecoveryRequest
	Complete bool `json:"complete"`
}

func (h *Handler) HandleListMethods(w http.ResponseWriter, r *http.Request) {
	methods, err := h.recovery.Methods(r.Context(), userID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, methods)
}

func (h *Handler) HandleDisableMethod(w http.ResponseWriter, r *http.Request) {
	method := interfaces.RecoveryMethodType(chi.URLParam(r, "method"))
	if err := h.recovery.Disable(r.Context(), userID(r), method); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleSetupSocial splits the caller's seed among trusted contacts. Each
// contact is sent their encrypted shard; the response carries no shard.
//
// URL format: POST /api/recovery/social
func (h *Handler) HandleSetupSocial(w http.ResponseWriter, r *http.Request) {
	var req setupSocialRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	setup, err := h.recovery.SetupSocial(r.Context(), userID(r), []byte(req.Password), req.Contacts, req.Threshold)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, setupSocialResponse{
		RecoveryID:  setup.RecoveryID,
		Threshold:   setup.Threshold,
		TotalShares: setup.TotalShares,
	})
}

// HandleSetupHardware returns a new backup key. It is shown only once.
//
// URL format: POST /api/recovery/hardware
func (h *Handler) HandleSetupHardware(w http.ResponseWriter, r *http.Request) {
	var req passwordRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	backupKey, err := h.recovery.SetupHardware(r.Context(), userID(r), []byte(req.Password))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, setupHardwareResponse{BackupKey: backupKey})
}

func (h *Handler) HandleRecoverHardware(w http.ResponseWriter, r *http.Request) {
	var req recoverRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.recovery.RecoverWithBackupKey(r.Context(), userID(r), req.BackupKey, []byte(req.NewPassword)); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleRecoverPhrase(w http.ResponseWriter, r *http.Request) {
	var req recoverRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.recovery.RecoverWithPhrase(r.Context(), userID(r), req.Phrase, []byte(req.NewPassword)); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleInitiateRecovery(w http.ResponseWriter, r *http.Request) {
	req, token, err := h.recovery.Initiate(r.Context(), userID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if token == "" {
		status = http.StatusOK
	}
	writeJSON(w, status, initiateResponse{Request: req, Token: token})
}

// HandleSubmitShard records a contact's shard for a recovery request.
//
// URL format: POST /api/recovery/requests/{request_id}/shards
func (h *Handler) HandleSubmitShard(w http.ResponseWriter, r *http.Request) {
	var req submitShardRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	updated, err := h.recovery.SubmitShard(r.Context(), chi.URLParam(r, "request_id"), req.ContactEmail, req.Shard)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recoveryStatusResponse{RecoveryRequest: updated, Complete: updated.Complete()})
}

func (h *Handler) HandleRecoveryStatus(w http.ResponseWriter, r *http.Request) {
	req, err := h.recovery.Status(r.Context(), chi.URLParam(r, "request_id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, recoveryStatusResponse{RecoveryRequest: req, Complete: req.Complete()})
}

func (h *Handler) HandleCompleteRecovery(w http.ResponseWriter, r *http.Request) {
	var req recoverRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.recovery.Complete(r.Context(), chi.URLParam(r, "request_id"), req.Token, []byte(req.NewPassword)); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleCancelRecovery(w http.ResponseWriter, r *http.Request) {
	if err := h.recovery.Cancel(r.Context(), chi.URLParam(r, "request_id"), userID(r)); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Groups

type groupUnlockRequest struct {
	Reason string `json:"reason"`
}

type groupDataRequest struct {
	Data []byte `json:"data"`
}

func (h *Handler) HandleRequestGroupUnlock(w http.ResponseWriter, r *http.Request) {
	var req groupUnlockRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.quorum.RequestUnlock(r.Context(), chi.URLParam(r, "group_id"), userID(r), req.Reason)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleApproveGroupUnlock records the caller's approval. The response carries
// the group session key once the group is unlocked.
//
// URL format: POST /api/groups/unlock-requests/{request_id}/approve
func (h *Handler) HandleApproveGroupUnlock(w http.ResponseWriter, r *http.Request) {
	res, err := h.quorum.Approve(r.Context(), chi.URLParam(r, "request_id"), userID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) HandleCancelGroupUnlock(w http.ResponseWriter, r *http.Request) {
	if err := h.quorum.Cancel(r.Context(), chi.URLParam(r, "request_id"), userID(r)); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleLockGroup(w http.ResponseWriter, r *http.Request) {
	if err := h.quorum.Lock(r.Context(), chi.URLParam(r, "group_id"), userID(r)); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleGroupStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.quorum.Status(r.Context(), chi.URLParam(r, "group_id"), userID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func groupSessionKey(r *http.Request) []byte {
	key, err := base64.StdEncoding.DecodeString(r.Header.Get(GroupSessionKeyHeader))
	if err != nil {
		return nil
	}
	return key
}

func (h *Handler) HandleReadGroupVault(w http.ResponseWriter, r *http.Request) {
	data, err := h.quorum.ReadVault(r.Context(), chi.URLParam(r, "group_id"), groupSessionKey(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dataResponse{Data: data})
}

func (h *Handler) HandleWriteGroupVault(w http.ResponseWriter, r *http.Request) {
	var req groupDataRequest
	if err := decodeBody(w, r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.quorum.WriteVault(r.Context(), chi.URLParam(r, "group_id"), groupSessionKey(r), req.Data); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleExportGroupBackup(w http.ResponseWriter, r *http.Request) {
	id, err := h.quorum.ExportBackup(r.Context(), chi.URLParam(r, "group_id"), groupSessionKey(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, backupResponse{ContentID: id.String()})
}

func (h *Handler) HandleRestoreGroupBackup(w http.ResponseWriter, r *http.Request) {
	id, err := interfaces.NewContentIDFromHex(chi.URLParam(r, "content_id"))
	if err != nil {
		h.writeError(w, r, fmt.Errorf("%w: %v", interfaces.ErrInvalidArgument, err))
		return
	}
	if err := h.quorum.RestoreBackup(r.Context(), chi.URLParam(r, "group_id"), groupSessionKey(r), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
