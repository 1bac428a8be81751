package installer

import "context"

// LazyImageClient defers resolving the image copier binary until first use,
// so runs whose manifests contain no image packages do not require it.
type LazyImageClient struct {
	client *SkopeoClient
	err    error
}

func (l *LazyImageClient) get() (*SkopeoClient, error) {
	if l.client == nil && l.err == nil {
		l.client, l.err = NewSkopeoClient()
	}

	return l.client, l.err
}

// LayerArchive implements ImageClient.
func (l *LazyImageClient) LayerArchive(ctx context.Context, image string) (string, error) {
	c, err := l.get()
	if err != nil {
		return "", err
	}

	return c.LayerArchive(ctx, image)
}

// Digest implements ImageClient.
func (l *LazyImageClient) Digest(ctx context.Context, image string) (string, error) {
	c, err := l.get()
	if err != nil {
		return "", err
	}

	return c.Digest(ctx, image)
}

// Close releases the underlying client's scratch area, if one was created.
func (l *LazyImageClient) Close() error {
	if l.client == nil {
		return nil
	}

	return l.client.Close()
}
