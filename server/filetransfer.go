package server

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrTransferNotFound   = errors.New("transfer not found")
	ErrTransferNotPending = errors.New("transfer is not pending")
	ErrNotRecipient       = errors.New("transfer addressed to another user")
	ErrNoPortsAvailable   = errors.New("no file transfer ports available")
)

// Transfer is one offered file. Chunk bytes never touch the control
// channel: on accept the manager opens an upload and a download port and
// proxies between them.
type Transfer struct {
	ID           string
	Sender       string
	Recipient    string
	FileName     string
	Size         int64
	UploadPort   int
	DownloadPort int
	Status       string // "pending", "accepted", "completed", "declined", "expired"
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

type TransferManager struct {
	mu        sync.Mutex
	transfers map[string]*Transfer

	portMu    sync.Mutex
	usedPorts map[int]bool
	portStart int
	portEnd   int
}

func NewTransferManager(portStart, portEnd int) *TransferManager {
	return &TransferManager{
		transfers: make(map[string]*Transfer),
		usedPorts: make(map[int]bool),
		portStart: portStart,
		portEnd:   portEnd,
	}
}

// Create registers a pending transfer. The receiver has five minutes to
// accept before cleanup expires it.
func (tm *TransferManager) Create(sender, recipient, fileName string, size int64) *Transfer {
	transfer := &Transfer{
		ID:        uuid.NewString(),
		Sender:    sender,
		Recipient: recipient,
		FileName:  fileName,
		Size:      size,
		Status:    "pending",
		CreatedAt: time.Now(),
		ExpiresAt: time.Now().Add(5 * time.Minute),
	}

	tm.mu.Lock()
	tm.transfers[transfer.ID] = transfer
	tm.mu.Unlock()

	log.Printf("file transfer %s: %s -> %s, %s (%d bytes)",
		transfer.ID[:8], sender, recipient, fileName, size)
	return transfer
}

// Accept allocates an upload and a download port for the transfer and
// starts the byte proxy between them. Only the addressed recipient may
// accept.
func (tm *TransferManager) Accept(id, recipient string) (*Transfer, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	transfer, exists := tm.transfers[id]
	if !exists {
		return nil, ErrTransferNotFound
	}
	if transfer.Recipient != recipient {
		return nil, ErrNotRecipient
	}
	if transfer.Status != "pending" {
		return nil, ErrTransferNotPending
	}

	uploadPort, err := tm.allocatePort()
	if err != nil {
		return nil, err
	}
	downloadPort, err := tm.allocatePort()
	if err != nil {
		tm.releasePort(uploadPort)
		return nil, err
	}

	transfer.UploadPort = uploadPort
	transfer.DownloadPort = downloadPort
	transfer.Status = "accepted"
	transfer.ExpiresAt = time.Now().Add(10 * time.Minute)

	go tm.runProxy(transfer)

	log.Printf("file transfer %s accepted: upload %d, download %d",
		transfer.ID[:8], uploadPort, downloadPort)
	return transfer, nil
}

// Decline marks a pending transfer declined. Only the addressed recipient
// may decline.
func (tm *TransferManager) Decline(id, recipient string) (*Transfer, error) {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	transfer, exists := tm.transfers[id]
	if !exists {
		return nil, ErrTransferNotFound
	}
	if transfer.Recipient != recipient {
		return nil, ErrNotRecipient
	}
	if transfer.Status != "pending" {
		return nil, ErrTransferNotPending
	}

	transfer.Status = "declined"
	return transfer, nil
}

func (tm *TransferManager) Get(id string) (*Transfer, bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	transfer, ok := tm.transfers[id]
	return transfer, ok
}

// runProxy accepts one uploader and one downloader connection and pipes
// bytes between them until the uploader closes. The OS listen backlog holds
// whichever side connects first, so accepting sequentially is fine.
func (tm *TransferManager) runProxy(transfer *Transfer) {
	defer tm.finish(transfer)

	deadline := transfer.ExpiresAt

	uploadLn, err := net.Listen("tcp", fmt.Sprintf(":%d", transfer.UploadPort))
	if err != nil {
		log.Printf("file transfer %s: listen upload: %v", transfer.ID[:8], err)
		return
	}
	defer uploadLn.Close()

	downloadLn, err := net.Listen("tcp", fmt.Sprintf(":%d", transfer.DownloadPort))
	if err != nil {
		log.Printf("file transfer %s: listen download: %v", transfer.ID[:8], err)
		return
	}
	defer downloadLn.Close()

	upload, err := acceptWithin(uploadLn, deadline)
	if err != nil {
		log.Printf("file transfer %s: uploader never connected: %v", transfer.ID[:8], err)
		return
	}
	defer upload.Close()

	download, err := acceptWithin(downloadLn, deadline)
	if err != nil {
		log.Printf("file transfer %s: downloader never connected: %v", transfer.ID[:8], err)
		return
	}
	defer download.Close()

	written, err := io.Copy(download, upload)
	if err != nil {
		log.Printf("file transfer %s: proxy error after %d bytes: %v", transfer.ID[:8], written, err)
		return
	}

	tm.mu.Lock()
	transfer.Status = "completed"
	tm.mu.Unlock()
	log.Printf("file transfer %s completed: %d bytes", transfer.ID[:8], written)
}

func acceptWithin(ln net.Listener, deadline time.Time) (net.Conn, error) {
	if tcpLn, ok := ln.(*net.TCPListener); ok {
		tcpLn.SetDeadline(deadline)
	}
	return ln.Accept()
}

func (tm *TransferManager) finish(transfer *Transfer) {
	tm.portMu.Lock()
	delete(tm.usedPorts, transfer.UploadPort)
	delete(tm.usedPorts, transfer.DownloadPort)
	tm.portMu.Unlock()

	tm.mu.Lock()
	if transfer.Status == "accepted" {
		transfer.Status = "expired"
	}
	tm.mu.Unlock()
}

// StartCleanup prunes finished and expired transfers in the background.
func (tm *TransferManager) StartCleanup() {
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for range ticker.C {
			tm.cleanup()
		}
	}()
}

func (tm *TransferManager) cleanup() {
	now := time.Now()
	tm.mu.Lock()
	defer tm.mu.Unlock()
	for id, transfer := range tm.transfers {
		done := transfer.Status == "completed" ||
			transfer.Status == "declined" ||
			transfer.Status == "expired"
		if done || now.After(transfer.ExpiresAt) {
			if transfer.Status == "pending" {
				transfer.Status = "expired"
			}
			delete(tm.transfers, id)
		}
	}
}

func (tm *TransferManager) allocatePort() (int, error) {
	tm.portMu.Lock()
	defer tm.portMu.Unlock()
	for port := tm.portStart; port <= tm.portEnd; port++ {
		if !tm.usedPorts[port] {
			tm.usedPorts[port] = true
			return port, nil
		}
	}
	return 0, ErrNoPortsAvailable
}

func (tm *TransferManager) releasePort(port int) {
	tm.portMu.Lock()
	defer tm.portMu.Unlock()
	delete(tm.usedPorts, port)
}
