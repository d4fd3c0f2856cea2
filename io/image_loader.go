package io

import (
	"context"
	"image"
	"sync"

	"github.com/cyverse/imagecache/utils"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
	"golang.org/x/xerrors"
)

const (
	// DefaultLoaderWorkers is the number of workers used when none is given
	DefaultLoaderWorkers int = 2
	// DefaultLoaderQueueSize is the request queue length used when none is given
	DefaultLoaderQueueSize int = 64
)

// ErrLoaderReleased is returned when loading through a released ImageLoader
var ErrLoaderReleased = xerrors.New("image loader is released")

// ImageSource fetches an image from its origin
type ImageSource interface {
	FetchImage(ctx context.Context, url string) (image.Image, error)
}

// ImageCacheAccessor is the cache the loader writes through, keyed by url
type ImageCacheAccessor interface {
	Save(url string, img image.Image)
	Get(url string) image.Image
}

// ImageLoadCallback receives the loaded image or the fetch error
type ImageLoadCallback func(img image.Image, err error)

type imageLoadRequest struct {
	ctx      context.Context
	url      string
	callback ImageLoadCallback
}

// ImageLoader fetches missing images in background workers and writes them through the cache
type ImageLoader struct {
	imageCache ImageCacheAccessor
	source     ImageSource
	workers    int

	requests     chan *imageLoadRequest
	done         chan struct{} // closed by Release, unblocks pending senders
	fetchGroup   singleflight.Group
	senderWaiter sync.WaitGroup
	workerWaiter sync.WaitGroup

	terminate bool
	mutex     sync.RWMutex
}

// NewImageLoader creates a new ImageLoader and starts its workers
func NewImageLoader(imageCache ImageCacheAccessor, source ImageSource, workers int, queueSize int) (*ImageLoader, error) {
	if imageCache == nil {
		return nil, xerrors.Errorf("image cache is not given")
	}

	if source == nil {
		return nil, xerrors.Errorf("image source is not given")
	}

	if workers <= 0 {
		workers = DefaultLoaderWorkers
	}

	if queueSize < 0 {
		queueSize = DefaultLoaderQueueSize
	}

	loader := &ImageLoader{
		imageCache: imageCache,
		source:     source,
		workers:    workers,

		requests:     make(chan *imageLoadRequest, queueSize),
		done:         make(chan struct{}),
		fetchGroup:   singleflight.Group{},
		senderWaiter: sync.WaitGroup{},
		workerWaiter: sync.WaitGroup{},

		terminate: false,
		mutex:     sync.RWMutex{},
	}

	for i := 0; i < workers; i++ {
		loader.workerWaiter.Add(1)
		go loader.requestHandler()
	}

	return loader, nil
}

// GetWorkers returns the number of workers
func (loader *ImageLoader) GetWorkers() int {
	return loader.workers
}

// Release stops accepting requests and waits until queued requests are handled
func (loader *ImageLoader) Release() {
	logger := log.WithFields(log.Fields{
		"package":  "io",
		"struct":   "ImageLoader",
		"function": "Release",
	})

	defer utils.StackTraceFromPanic(logger)

	loader.mutex.Lock()
	if loader.terminate {
		loader.mutex.Unlock()
		return
	}

	loader.terminate = true
	close(loader.done)
	loader.mutex.Unlock()

	// senders blocked on a full queue give up once done is closed
	loader.senderWaiter.Wait()
	close(loader.requests)

	// wait until workers drain the queue
	loader.workerWaiter.Wait()
}

// Load delivers the image for url to callback.
// A cached image is delivered before Load returns, otherwise the request is queued for a worker.
// Requests whose ctx is done before their result is ready are dropped without a callback;
// a fetch shared with other requests for the same url keeps running for them.
func (loader *ImageLoader) Load(ctx context.Context, url string, callback ImageLoadCallback) error {
	logger := log.WithFields(log.Fields{
		"package":  "io",
		"struct":   "ImageLoader",
		"function": "Load",
	})

	defer utils.StackTraceFromPanic(logger)

	if loader.isTerminated() {
		return ErrLoaderReleased
	}

	img := loader.imageCache.Get(url)
	if img != nil {
		logger.Debugf("serving %s from cache", url)
		callback(img, nil)
		return nil
	}

	// sent without the lock held; done unblocks a full queue on Release
	loader.mutex.RLock()
	if loader.terminate {
		loader.mutex.RUnlock()
		return ErrLoaderReleased
	}
	loader.senderWaiter.Add(1)
	loader.mutex.RUnlock()

	defer loader.senderWaiter.Done()

	request := &imageLoadRequest{
		ctx:      ctx,
		url:      url,
		callback: callback,
	}

	select {
	case loader.requests <- request:
		logger.Debugf("queued a load request for %s", url)
		return nil
	case <-loader.done:
		return ErrLoaderReleased
	case <-ctx.Done():
		return xerrors.Errorf("failed to queue a load request for %s: %w", url, ctx.Err())
	}
}

func (loader *ImageLoader) isTerminated() bool {
	loader.mutex.RLock()
	defer loader.mutex.RUnlock()

	return loader.terminate
}

func (loader *ImageLoader) requestHandler() {
	defer loader.workerWaiter.Done()

	for request := range loader.requests {
		loader.handleRequest(request)
	}
}

func (loader *ImageLoader) handleRequest(request *imageLoadRequest) {
	logger := log.WithFields(log.Fields{
		"package":  "io",
		"struct":   "ImageLoader",
		"function": "handleRequest",
	})

	defer utils.StackTraceFromPanic(logger)

	if request.ctx.Err() != nil {
		logger.Debugf("dropping a cancelled load request for %s", request.url)
		return
	}

	// an earlier request may have filled the cache
	img := loader.imageCache.Get(request.url)
	if img != nil {
		request.callback(img, nil)
		return
	}

	// shared by all requests for the url, not ended by one caller's cancellation
	fetchCtx := context.WithoutCancel(request.ctx)

	fetched, err, shared := loader.fetchGroup.Do(request.url, func() (interface{}, error) {
		fetchedImage, fetchErr := loader.source.FetchImage(fetchCtx, request.url)
		if fetchErr != nil {
			return nil, fetchErr
		}

		if fetchedImage == nil {
			return nil, xerrors.Errorf("image source returned no image for %s", request.url)
		}

		loader.imageCache.Save(request.url, fetchedImage)
		return fetchedImage, nil
	})

	if request.ctx.Err() != nil {
		logger.Debugf("dropping a load request for %s cancelled during fetch", request.url)
		return
	}

	if err != nil {
		logger.WithError(err).Errorf("failed to fetch %s", request.url)
		request.callback(nil, xerrors.Errorf("failed to fetch %s: %w", request.url, err))
		return
	}

	if shared {
		logger.Debugf("shared a fetch for %s", request.url)
	}

	img = loader.imageCache.Get(request.url)
	if img == nil {
		// the cache did not keep it
		img = fetched.(image.Image)
	}

	request.callback(img, nil)
}
