package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/charmbracelet/log"

	"backbone/internal/api/dto"
	"backbone/internal/auth"
	"backbone/internal/config"
	"backbone/internal/database"
	"backbone/internal/domain"
	"backbone/internal/support"
)

const minPasswordLength = 8

func registerUser(w http.ResponseWriter, r *http.Request) {
	var credentials dto.Credentials
	if err := decodeJSON(r, &credentials, false); err != nil {
		writeError(w, "Invalid request", http.StatusBadRequest)
		return
	}

	if !auth.IsValidEmail(credentials.Email) {
		writeError(w, "Invalid email format", http.StatusBadRequest)
		return
	}
	if len(credentials.Password) < minPasswordLength {
		writeError(w, "Password must be at least 8 characters long", http.StatusBadRequest)
		return
	}

	hashedPassword, err := support.HashPassword(credentials.Password)
	if err != nil {
		writeError(w, "Failed to hash password", http.StatusInternalServerError)
		return
	}

	user := domain.User{Email: credentials.Email, Password: hashedPassword}
	if err := database.CreateUser(r.Context(), &user); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			writeError(w, "Email already in use", http.StatusConflict)
			return
		}
		log.Error("create user", "error", err)
		writeError(w, "Failed to create user", http.StatusInternalServerError)
		return
	}

	token, err := auth.GenerateJWT(user.ID, user.Role)
	if err != nil {
		writeError(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusCreated, dto.Token{Token: token, Role: user.Role})
}

func loginUser(w http.ResponseWriter, r *http.Request) {
	var credentials dto.Credentials
	if err := decodeJSON(r, &credentials, false); err != nil {
		writeError(w, "Invalid request", http.StatusBadRequest)
		return
	}

	user, err := database.GetUserByEmail(r.Context(), credentials.Email)
	if err != nil || !support.CheckPasswordHash(credentials.Password, user.Password) {
		if err != nil && !errors.Is(err, domain.ErrNotFound) {
			log.Error("login lookup", "error", err)
		}
		writeError(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	token, err := auth.GenerateJWT(user.ID, user.Role)
	if err != nil {
		writeError(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, dto.Token{Token: token, Role: user.Role})
}

func getSelf(w http.ResponseWriter, r *http.Request) {
	userID, err := auth.GetUserIDFromRequest(r)
	if err != nil {
		writeError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	user, err := database.GetUserFromId(userID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.NewUser(user))
}

func changePassword(w http.ResponseWriter, r *http.Request) {
	userID, err := auth.GetUserIDFromRequest(r)
	if err != nil {
		writeError(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	var req dto.ChangePassword
	if err := decodeJSON(r, &req, false); err != nil {
		writeError(w, "Invalid request", http.StatusBadRequest)
		return
	}

	user, err := database.GetUserFromId(userID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if !support.CheckPasswordHash(req.OldPassword, user.Password) {
		writeError(w, "Invalid old password", http.StatusUnauthorized)
		return
	}
	if len(req.NewPassword) < minPasswordLength {
		writeError(w, "Password must be at least 8 characters long", http.StatusBadRequest)
		return
	}

	hashed, err := support.HashPassword(req.NewPassword)
	if err != nil {
		writeError(w, "Failed to hash password", http.StatusInternalServerError)
		return
	}
	if err := database.ChangePassword(userID, hashed); err != nil {
		log.Error("change password", "error", err)
		writeError(w, "Failed to change password", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func getSettings(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, config.GetConfig())
}

func saveSettings(w http.ResponseWriter, r *http.Request) {
	newConfig := config.GetConfig()
	if err := json.NewDecoder(r.Body).Decode(&newConfig); err != nil {
		writeError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if err := config.SetConfig(newConfig); err != nil {
		log.Error("save settings", "error", err)
		writeError(w, "Failed to save configuration", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Configuration updated successfully"})
}
